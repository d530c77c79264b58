package presence

import (
	"context"
	"testing"
	"time"

	"github.com/classcast/livechat/internal/errs"
)

func TestRaise_Idempotent(t *testing.T) {
	store := NewMemoryHandStore()
	ctx := context.Background()

	first, err := store.Raise(ctx, "s1", "u1", "Alice")
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}

	// Raising again while active returns the same record, no duplicate.
	second, err := store.Raise(ctx, "s1", "u1", "Alice")
	if err != nil {
		t.Fatalf("second Raise error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second Raise returned new record %s, want existing %s", second.ID, first.ID)
	}

	hands, _ := store.ListRaised(ctx, "s1")
	if len(hands) != 1 {
		t.Errorf("ListRaised returned %d entries, want 1", len(hands))
	}
}

func TestRaise_AfterLowerCreatesNewEntry(t *testing.T) {
	store := NewMemoryHandStore()
	ctx := context.Background()

	first, _ := store.Raise(ctx, "s1", "u1", "Alice")
	if err := store.Lower(ctx, "s1", "u1"); err != nil {
		t.Fatalf("Lower error: %v", err)
	}

	second, _ := store.Raise(ctx, "s1", "u1", "Alice")
	if second.ID == first.ID {
		t.Error("raise after lower should create a fresh record")
	}
}

func TestLower_NotRaised(t *testing.T) {
	store := NewMemoryHandStore()

	err := store.Lower(context.Background(), "s1", "u1")
	if err == nil {
		t.Fatal("expected error lowering an unraised hand")
	}
	if !errs.IsCode(err, errs.CodeNotRaised) {
		t.Errorf("error code = %s, want %s", errs.CodeOf(err), errs.CodeNotRaised)
	}
}

func TestListRaised_FIFOOrder(t *testing.T) {
	store := NewMemoryHandStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	store.Raise(ctx, "s1", "u1", "Alice")
	now = now.Add(time.Second)
	store.Raise(ctx, "s1", "u2", "Bob")
	now = now.Add(time.Second)
	store.Raise(ctx, "s1", "u3", "Cara")

	hands, err := store.ListRaised(ctx, "s1")
	if err != nil {
		t.Fatalf("ListRaised error: %v", err)
	}
	if len(hands) != 3 {
		t.Fatalf("ListRaised returned %d entries, want 3", len(hands))
	}
	for i, want := range []string{"u1", "u2", "u3"} {
		if hands[i].UserID != want {
			t.Errorf("hands[%d] = %s, want %s (first raised, first served)", i, hands[i].UserID, want)
		}
	}
}

func TestAcknowledge(t *testing.T) {
	store := NewMemoryHandStore()
	ctx := context.Background()

	store.Raise(ctx, "s1", "u1", "Alice")
	h, err := store.Acknowledge(ctx, "s1", "u1", "instructor-1")
	if err != nil {
		t.Fatalf("Acknowledge error: %v", err)
	}
	if h.AcknowledgedBy == nil || *h.AcknowledgedBy != "instructor-1" {
		t.Errorf("AcknowledgedBy = %v, want instructor-1", h.AcknowledgedBy)
	}

	if _, err := store.Acknowledge(ctx, "s1", "u2", "instructor-1"); !errs.IsCode(err, errs.CodeNotRaised) {
		t.Errorf("acknowledging unraised hand: code = %s, want %s", errs.CodeOf(err), errs.CodeNotRaised)
	}
}

func TestTyping_SetAndExpire(t *testing.T) {
	tracker := NewTypingTracker()

	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.Set("s1", "u1", true)
	tracker.Set("s1", "u2", true)

	got := tracker.List("s1")
	if len(got) != 2 {
		t.Fatalf("List = %v, want 2 users", got)
	}

	// Within the TTL the indicator holds.
	now = now.Add(TypingTTL - time.Second)
	if got := tracker.List("s1"); len(got) != 2 {
		t.Errorf("List before TTL = %v, want 2 users", got)
	}

	// Past the TTL entries expire lazily at read time.
	now = now.Add(2 * time.Second)
	if got := tracker.List("s1"); len(got) != 0 {
		t.Errorf("List after TTL = %v, want empty", got)
	}
}

func TestTyping_ResignalExtendsTTL(t *testing.T) {
	tracker := NewTypingTracker()

	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.Set("s1", "u1", true)
	now = now.Add(4 * time.Second)
	tracker.Set("s1", "u1", true) // re-signal

	now = now.Add(4 * time.Second)
	if got := tracker.List("s1"); len(got) != 1 {
		t.Errorf("List after re-signal = %v, want [u1]", got)
	}
}

func TestTyping_ExplicitStop(t *testing.T) {
	tracker := NewTypingTracker()

	tracker.Set("s1", "u1", true)
	tracker.Set("s1", "u1", false)

	if got := tracker.List("s1"); len(got) != 0 {
		t.Errorf("List after stop = %v, want empty", got)
	}
}
