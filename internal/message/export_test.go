package message

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
)

func transcriptFixture(t *testing.T) (*MemoryStore, []*Message) {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()

	recipient := "u2"
	var msgs []*Message
	for _, m := range []*Message{
		{SessionID: "s1", SenderID: "u1", SenderName: "Alice", Body: "hello"},
		{SessionID: "s1", SenderID: "u2", SenderName: "Bob", Body: "psst", IsPrivate: true, RecipientID: &recipient},
		{SessionID: "s1", SenderID: "u1", SenderName: "Alice", Body: "bye"},
	} {
		rec, err := s.Append(ctx, m)
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}
		msgs = append(msgs, rec)
	}
	if err := s.SoftDelete(ctx, msgs[2].ID); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}
	return s, msgs
}

func TestExport_JSONRoundTrip(t *testing.T) {
	s, want := transcriptFixture(t)

	all, err := s.ListAll(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("ListAll error: %v", err)
	}

	out, contentType, err := Export(all, FormatJSON)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}

	// Re-importing the JSON reconstructs identical ordering and identity,
	// including the tombstoned message.
	var decoded []*Message
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("round-trip unmarshal: %v", err)
	}
	if len(decoded) != len(want) {
		t.Fatalf("round-trip has %d messages, want %d", len(decoded), len(want))
	}
	for i := range want {
		if decoded[i].ID != want[i].ID {
			t.Errorf("position %d: id %s, want %s", i, decoded[i].ID, want[i].ID)
		}
		if decoded[i].Seq != want[i].Seq {
			t.Errorf("position %d: seq %d, want %d", i, decoded[i].Seq, want[i].Seq)
		}
	}
	if !decoded[2].IsDeleted {
		t.Error("tombstoned message lost its flag in export")
	}
}

func TestExport_ExcludePrivate(t *testing.T) {
	s, _ := transcriptFixture(t)

	all, _ := s.ListAll(context.Background(), "s1", false)
	out, _, err := Export(all, FormatJSON)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	var decoded []*Message
	json.Unmarshal(out, &decoded)
	for _, m := range decoded {
		if m.IsPrivate {
			t.Error("private message leaked into non-private export")
		}
	}
	if len(decoded) != 2 {
		t.Errorf("export has %d messages, want 2", len(decoded))
	}
}

func TestExport_CSV(t *testing.T) {
	s, _ := transcriptFixture(t)

	all, _ := s.ListAll(context.Background(), "s1", true)
	out, contentType, err := Export(all, FormatCSV)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if contentType != "text/csv" {
		t.Errorf("content type = %q", contentType)
	}

	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		t.Fatalf("csv parse: %v", err)
	}
	if len(rows) != 4 { // header + 3 messages
		t.Fatalf("csv has %d rows, want 4", len(rows))
	}
	if rows[0][0] != "id" || rows[0][8] != "reactions" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	if rows[2][5] != "true" {
		t.Errorf("private column = %q, want true", rows[2][5])
	}
	if rows[3][7] != "true" {
		t.Errorf("deleted column = %q, want true", rows[3][7])
	}
}

func TestExport_Text(t *testing.T) {
	s, _ := transcriptFixture(t)

	all, _ := s.ListAll(context.Background(), "s1", true)
	out, _, err := Export(all, FormatText)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	text := string(out)
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("text export has %d lines, want 3", len(lines))
	}
	if !strings.Contains(lines[0], "Alice: hello") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[private → u2]") {
		t.Errorf("line 1 missing private marker: %q", lines[1])
	}
	if !strings.Contains(lines[2], "[deleted]") {
		t.Errorf("line 2 missing deleted marker: %q", lines[2])
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	if _, _, err := Export(nil, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestExport_EmptyTranscript(t *testing.T) {
	out, _, err := Export(nil, FormatJSON)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "[]" {
		t.Errorf("empty export = %q, want []", out)
	}
}
