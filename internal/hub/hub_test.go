package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/classcast/livechat/internal/auth"
)

func participant(id, name string) auth.Identity {
	return auth.Identity{UserID: id, DisplayName: name, Role: auth.RoleParticipant}
}

func instructor(id, name string) auth.Identity {
	return auth.Identity{UserID: id, DisplayName: name, Role: auth.RoleInstructor}
}

// drain collects everything currently queued for the client.
func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.Receive():
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func eventTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()
	var types []string
	for _, f := range frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		types = append(types, m["type"].(string))
	}
	return types
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	b := NewClient(participant("u2", "Bob"), 8)
	m.Join("s1", a)
	m.Join("s1", b)
	drain(a)
	drain(b)

	m.Broadcast("s1", []byte(`{"type":"chat_message"}`))

	if got := drain(a); len(got) != 1 {
		t.Errorf("client a received %d frames, want 1", len(got))
	}
	if got := drain(b); len(got) != 1 {
		t.Errorf("client b received %d frames, want 1", len(got))
	}
}

func TestBroadcast_SessionIsolation(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	b := NewClient(participant("u2", "Bob"), 8)
	m.Join("s1", a)
	m.Join("s2", b)
	drain(a)
	drain(b)

	m.Broadcast("s1", []byte(`{}`))

	if got := drain(b); len(got) != 0 {
		t.Errorf("client in other session received %d frames, want 0", len(got))
	}
}

func TestBroadcastPrivate_Routing(t *testing.T) {
	m := NewManager(8)
	sender := NewClient(participant("u1", "Alice"), 8)
	recipient := NewClient(participant("u2", "Bob"), 8)
	bystander := NewClient(participant("u3", "Carol"), 8)
	instr := NewClient(instructor("i1", "Dana"), 8)
	for _, c := range []*Client{sender, recipient, bystander, instr} {
		m.Join("s1", c)
	}
	for _, c := range []*Client{sender, recipient, bystander, instr} {
		drain(c)
	}

	m.BroadcastPrivate("s1", "u1", "u2", []byte(`{"type":"private_message"}`))

	for _, tc := range []struct {
		name   string
		client *Client
		want   int
	}{
		{"sender", sender, 1},
		{"recipient", recipient, 1},
		{"bystander", bystander, 0},
		{"instructor", instr, 1},
	} {
		if got := drain(tc.client); len(got) != tc.want {
			t.Errorf("%s received %d frames, want %d", tc.name, len(got), tc.want)
		}
	}
}

func TestSendToUser(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	a2 := NewClient(participant("u1", "Alice"), 8) // second tab
	b := NewClient(participant("u2", "Bob"), 8)
	m.Join("s1", a)
	m.Join("s1", a2)
	m.Join("s1", b)
	for _, c := range []*Client{a, a2, b} {
		drain(c)
	}

	m.SendToUser("s1", "u1", []byte(`{}`))

	if got := drain(a); len(got) != 1 {
		t.Errorf("first connection received %d frames, want 1", len(got))
	}
	if got := drain(a2); len(got) != 1 {
		t.Errorf("second connection received %d frames, want 1", len(got))
	}
	if got := drain(b); len(got) != 0 {
		t.Errorf("other user received %d frames, want 0", len(got))
	}
}

func TestJoinLeave_PresenceEvents(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	m.Join("s1", a)

	b := NewClient(participant("u2", "Bob"), 8)
	m.Join("s1", b)

	types := eventTypes(t, drain(a))
	if len(types) != 1 || types[0] != "user_joined" {
		t.Fatalf("existing client saw %v, want [user_joined]", types)
	}
	// The joiner does not receive its own join event.
	if got := drain(b); len(got) != 0 {
		t.Errorf("joiner received %d frames, want 0", len(got))
	}

	m.Leave("s1", b)
	types = eventTypes(t, drain(a))
	if len(types) != 1 || types[0] != "user_left" {
		t.Fatalf("existing client saw %v, want [user_left]", types)
	}
}

func TestJoinLeave_DedupAcrossConnections(t *testing.T) {
	m := NewManager(8)
	watcher := NewClient(participant("u9", "Watcher"), 8)
	m.Join("s1", watcher)

	// Two connections for the same user produce one join and one leave.
	a := NewClient(participant("u1", "Alice"), 8)
	a2 := NewClient(participant("u1", "Alice"), 8)
	m.Join("s1", a)
	m.Join("s1", a2)

	types := eventTypes(t, drain(watcher))
	if len(types) != 1 || types[0] != "user_joined" {
		t.Fatalf("watcher saw %v, want a single user_joined", types)
	}

	m.Leave("s1", a)
	if got := drain(watcher); len(got) != 0 {
		t.Errorf("watcher saw %d frames after first leave, want 0", len(got))
	}
	m.Leave("s1", a2)
	types = eventTypes(t, drain(watcher))
	if len(types) != 1 || types[0] != "user_left" {
		t.Fatalf("watcher saw %v after last leave, want a single user_left", types)
	}
}

func TestIsConnected(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	m.Join("s1", a)

	if !m.IsConnected("s1", "u1") {
		t.Error("IsConnected = false for a joined user")
	}
	if m.IsConnected("s1", "u2") {
		t.Error("IsConnected = true for an absent user")
	}
	if m.IsConnected("s2", "u1") {
		t.Error("IsConnected = true in the wrong session")
	}

	m.Leave("s1", a)
	if m.IsConnected("s1", "u1") {
		t.Error("IsConnected = true after leave")
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	m := NewManager(2)
	slow := NewClient(participant("u1", "Slow"), 2)
	fast := NewClient(participant("u2", "Fast"), 8)
	m.Join("s1", slow)
	m.Join("s1", fast)
	drain(slow)
	drain(fast)

	// Fill the slow client's queue without draining, then overflow it.
	for i := 0; i < 3; i++ {
		m.Broadcast("s1", []byte(`{}`))
	}

	if m.IsConnected("s1", "u1") {
		t.Error("slow client still registered after overflow")
	}
	if !m.IsConnected("s1", "u2") {
		t.Error("fast client was dropped too")
	}

	// A drop is a departure like any other: the remaining client sees the
	// three broadcasts plus user_left for the dropped user. The relative
	// order depends on which client the overflowing broadcast reached first.
	frames := drain(fast)
	if len(frames) != 4 {
		t.Fatalf("fast client drained %d frames, want 4 (3 broadcasts + user_left)", len(frames))
	}
	sawLeft := false
	for _, f := range frames {
		var event map[string]interface{}
		if err := json.Unmarshal(f, &event); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if event["type"] == "user_left" {
			sawLeft = true
			if event["user_id"] != "u1" {
				t.Errorf("user_left for %v, want u1", event["user_id"])
			}
		}
	}
	if !sawLeft {
		t.Error("no user_left event after the slow client was dropped")
	}

	// The slow client's channel is closed once its backlog is drained.
	frames = drain(slow)
	if len(frames) != 2 {
		t.Errorf("slow client drained %d frames, want 2 (its queue depth)", len(frames))
	}
	if _, ok := <-slow.Receive(); ok {
		t.Error("slow client channel not closed after drop")
	}
}

func TestSlowClientDrop_ReapsEmptyHub(t *testing.T) {
	m := NewManager(1)
	slow := NewClient(participant("u1", "Slow"), 1)
	m.Join("s1", slow)

	// First broadcast fills the queue, second overflows and drops the only
	// client, which must also reap the now-empty hub.
	m.Broadcast("s1", []byte(`{}`))
	m.Broadcast("s1", []byte(`{}`))

	if m.IsConnected("s1", "u1") {
		t.Error("slow client still registered after overflow")
	}
	if m.lookup("s1") != nil {
		t.Error("empty hub not reaped after the last client was dropped")
	}
}

func TestDeliverAfterClose_DoesNotPanic(t *testing.T) {
	m := NewManager(1)
	a := NewClient(participant("u1", "Alice"), 1)
	m.Join("s1", a)
	h := m.lookup("s1")

	// A broadcaster can hold a snapshot taken before the client left; the
	// enqueue on the departed client must be a no-op, not a panic.
	stale := h.snapshot()
	m.Leave("s1", a)

	for _, c := range stale {
		m.deliver(h, c, []byte(`{}`))
	}
}

func TestConcurrentBroadcastAndLeave(t *testing.T) {
	m := NewManager(1)

	for round := 0; round < 50; round++ {
		clients := make([]*Client, 4)
		for i := range clients {
			clients[i] = NewClient(participant(fmt.Sprintf("u%d", i), "X"), 1)
			m.Join("s1", clients[i])
		}

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					m.Broadcast("s1", []byte(`{}`))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range clients {
				m.Leave("s1", c)
			}
		}()
		wg.Wait()

		for _, c := range clients {
			m.Leave("s1", c)
		}
	}
}

func TestLeave_ClosesQueue(t *testing.T) {
	m := NewManager(8)
	a := NewClient(participant("u1", "Alice"), 8)
	m.Join("s1", a)
	m.Leave("s1", a)

	if _, ok := <-a.Receive(); ok {
		t.Error("queue not closed after leave")
	}
	// Leaving twice is harmless.
	m.Leave("s1", a)
}
