package messaging

import (
	"testing"
)

type recordedCall struct {
	scope       string
	sessionID   string
	senderID    string
	recipientID string
	userID      string
	data        []byte
}

type fakeHub struct {
	calls     []recordedCall
	connected map[string]bool
}

func (h *fakeHub) Broadcast(sessionID string, data []byte) {
	h.calls = append(h.calls, recordedCall{scope: ScopeAll, sessionID: sessionID, data: data})
}

func (h *fakeHub) BroadcastPrivate(sessionID, senderID, recipientID string, data []byte) {
	h.calls = append(h.calls, recordedCall{
		scope: ScopePrivate, sessionID: sessionID,
		senderID: senderID, recipientID: recipientID, data: data,
	})
}

func (h *fakeHub) SendToUser(sessionID, userID string, data []byte) {
	h.calls = append(h.calls, recordedCall{scope: ScopeUser, sessionID: sessionID, userID: userID, data: data})
}

func (h *fakeHub) IsConnected(sessionID, userID string) bool {
	return h.connected[sessionID+":"+userID]
}

func TestFanout_LocalOnlyWithoutNATS(t *testing.T) {
	local := &fakeHub{connected: map[string]bool{"s1:u2": true}}
	f := NewFanout("server-1", local, nil)

	if err := f.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	f.Broadcast("s1", []byte(`{"type":"chat_message"}`))
	f.BroadcastPrivate("s1", "u1", "u2", []byte(`{"type":"private_message"}`))
	f.SendToUser("s1", "u1", []byte(`{"type":"error"}`))

	if len(local.calls) != 3 {
		t.Fatalf("local hub saw %d calls, want 3", len(local.calls))
	}
	if local.calls[0].scope != ScopeAll || local.calls[0].sessionID != "s1" {
		t.Errorf("call 0 = %+v", local.calls[0])
	}
	if c := local.calls[1]; c.scope != ScopePrivate || c.senderID != "u1" || c.recipientID != "u2" {
		t.Errorf("call 1 = %+v", c)
	}
	if c := local.calls[2]; c.scope != ScopeUser || c.userID != "u1" {
		t.Errorf("call 2 = %+v", c)
	}

	if !f.IsConnected("s1", "u2") {
		t.Error("IsConnected should defer to the local hub")
	}
	if f.IsConnected("s1", "u9") {
		t.Error("IsConnected = true for an absent user")
	}
}
