package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/chat"
	"github.com/classcast/livechat/internal/hub"
	"github.com/classcast/livechat/internal/kv"
	"github.com/classcast/livechat/internal/message"
	"github.com/classcast/livechat/internal/moderation"
	"github.com/classcast/livechat/internal/presence"
	"github.com/classcast/livechat/internal/ratelimit"
)

func newTestGateway(t *testing.T) (*httptest.Server, *hub.Manager) {
	t.Helper()

	verifier := auth.NewStaticVerifier()
	verifier.Add("tok-alice", auth.Identity{UserID: "u1", DisplayName: "Alice", Role: auth.RoleParticipant})
	verifier.Add("tok-bob", auth.Identity{UserID: "u2", DisplayName: "Bob", Role: auth.RoleParticipant})
	verifier.Add("tok-dana", auth.Identity{UserID: "i1", DisplayName: "Dana", Role: auth.RoleInstructor})

	hubs := hub.NewManager(64)
	counters := kv.NewMemoryCounter()
	svc := chat.NewService(chat.Deps{
		Messages: message.NewMemoryStore(),
		Mutes:    moderation.NewMemoryMuteStore(),
		Filter:   moderation.NewFilter(),
		Strikes:  moderation.NewStrikeTracker(counters),
		Hands:    presence.NewMemoryHandStore(),
		Typing:   presence.NewTypingTracker(),
		Limiter:  ratelimit.NewLimiter(counters),
		Cast:     hubs,
	})

	server := NewServer(DefaultServerConfig(), verifier, svc, hubs)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, hubs
}

// clientConn folds the dialer's buffered reader back into the stream.
type clientConn struct {
	r io.Reader
	net.Conn
}

func (c clientConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dial(t *testing.T, ts *httptest.Server, sessionID, token string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?session_id=" + sessionID + "&token=" + token
	conn, br, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	if br == nil {
		return conn
	}
	return clientConn{r: io.MultiReader(br, conn), Conn: conn}
}

func send(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	if err := wsutil.WriteClientText(conn, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEvent(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("event is not JSON: %v (%q)", err, data)
	}
	return event
}

// readUntil reads events until one of the wanted type arrives.
func readUntil(t *testing.T, conn net.Conn, eventType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		event := readEvent(t, conn)
		if event["type"] == eventType {
			return event
		}
	}
	t.Fatalf("no %s event within 20 reads", eventType)
	return nil
}

func TestGateway_AuthBeforeRegister(t *testing.T) {
	ts, hubs := newTestGateway(t)

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing session", ts.URL + "/ws?token=tok-alice", http.StatusBadRequest},
		{"missing token", ts.URL + "/ws?session_id=s1", http.StatusUnauthorized},
		{"bad token", ts.URL + "/ws?session_id=s1&token=nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatalf("GET error: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if hubs.IsConnected("s1", "u1") {
		t.Error("rejected client was registered with the hub")
	}
}

func TestGateway_ChatRoundTrip(t *testing.T) {
	ts, _ := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	bob := dial(t, ts, "s1", "tok-bob")

	// Alice sees Bob join.
	joined := readUntil(t, alice, "user_joined")
	if joined["user_id"] != "u2" {
		t.Errorf("user_joined for %v, want u2", joined["user_id"])
	}

	send(t, alice, `{"type":"chat_message","message":"hello room"}`)

	for name, conn := range map[string]net.Conn{"alice": alice, "bob": bob} {
		event := readUntil(t, conn, "chat_message")
		if event["body"] != "hello room" || event["sender_id"] != "u1" {
			t.Errorf("%s received %v", name, event)
		}
	}
}

func TestGateway_PrivateMessageRouting(t *testing.T) {
	ts, _ := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	bob := dial(t, ts, "s1", "tok-bob")
	dana := dial(t, ts, "s1", "tok-dana")

	// Wait for both joins so the recipient is registered before the send.
	readUntil(t, alice, "user_joined")
	readUntil(t, alice, "user_joined")

	send(t, alice, `{"type":"chat_message","message":"psst","is_private":true,"recipient_id":"u2"}`)

	for name, conn := range map[string]net.Conn{"alice": alice, "bob": bob, "dana": dana} {
		event := readUntil(t, conn, "private_message")
		if event["recipient_id"] != "u2" {
			t.Errorf("%s received %v", name, event)
		}
	}
}

func TestGateway_ErrorEvents(t *testing.T) {
	ts, _ := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")

	// Malformed frame.
	send(t, alice, `not json`)
	event := readUntil(t, alice, "error")
	if event["code"] != "VALIDATION" {
		t.Errorf("parse error code = %v, want VALIDATION", event["code"])
	}

	// Forbidden action.
	send(t, alice, `{"type":"mute_user","user_id":"u2"}`)
	event = readUntil(t, alice, "error")
	if event["code"] != "FORBIDDEN" {
		t.Errorf("mute error code = %v, want FORBIDDEN", event["code"])
	}

	// Rate limit: the 6th message in the window is rejected with a hint.
	for i := 0; i < 6; i++ {
		send(t, alice, `{"type":"chat_message","message":"spam"}`)
	}
	event = readUntil(t, alice, "error")
	if event["code"] != "RATE_LIMITED" || event["retry_after"] != float64(10) {
		t.Errorf("rate limit error = %v", event)
	}
}

func TestGateway_DisconnectAnnouncesLeave(t *testing.T) {
	ts, hubs := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	bob := dial(t, ts, "s1", "tok-bob")
	readUntil(t, alice, "user_joined")

	bob.Close()

	left := readUntil(t, alice, "user_left")
	if left["user_id"] != "u2" {
		t.Errorf("user_left for %v, want u2", left["user_id"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for hubs.IsConnected("s1", "u2") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hubs.IsConnected("s1", "u2") {
		t.Error("closed connection still registered")
	}
}

func TestGateway_OversizedFrameDisconnects(t *testing.T) {
	ts, hubs := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	send(t, alice, `{"type":"ping"}`)
	readUntil(t, alice, "pong")

	send(t, alice, `{"type":"chat_message","message":"`+strings.Repeat("a", 64<<10)+`"}`)

	deadline := time.Now().Add(2 * time.Second)
	for hubs.IsConnected("s1", "u1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hubs.IsConnected("s1", "u1") {
		t.Error("oversized frame did not disconnect the client")
	}
}

func TestGateway_PingPong(t *testing.T) {
	ts, _ := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	send(t, alice, `{"type":"ping"}`)
	readUntil(t, alice, "pong")
}

func TestGateway_Health(t *testing.T) {
	ts, _ := newTestGateway(t)

	alice := dial(t, ts, "s1", "tok-alice")
	// A ping round trip guarantees the connection is fully registered.
	send(t, alice, `{"type":"ping"}`)
	readUntil(t, alice, "pong")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 {
		t.Errorf("health = %+v", body)
	}
}
