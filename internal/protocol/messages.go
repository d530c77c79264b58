// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChatMessage   = "chat_message"
	TypeReactionAdded = "reaction_added"
	TypeHandRaised    = "hand_raised"
	TypeHandLowered   = "hand_lowered"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeDeleteMessage = "delete_message"
	TypeMuteUser      = "mute_user"
	TypeUnmuteUser    = "unmute_user"
	TypePing          = "ping"
)

// Server -> Client message types. Chat, reaction, hand, and typing events
// reuse the inbound type strings; the rest are server-only.
const (
	TypePrivateMessage = "private_message"
	TypeMessageDeleted = "message_deleted"
	TypeUserMuted      = "user_muted"
	TypeUserUnmuted    = "user_unmuted"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMessageMsg is a chat message sent by the client. When IsPrivate is set,
// RecipientID names the single user the message is addressed to.
type ChatMessageMsg struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsPrivate   bool   `json:"is_private"`
	RecipientID string `json:"recipient_id,omitempty"`
}

// ReactionMsg adds a reaction to an existing message.
type ReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// HandRaisedMsg raises the sender's hand.
type HandRaisedMsg struct {
	Type string `json:"type"`
}

// HandLoweredMsg lowers a hand. UserID is optional: instructors may lower
// another participant's hand; everyone else can only lower their own.
type HandLoweredMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id,omitempty"`
}

// TypingMsg signals the start or stop of typing (type carries which).
type TypingMsg struct {
	Type string `json:"type"`
}

// DeleteMessageMsg soft-deletes a message. Instructor-only.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// MuteUserMsg mutes a participant. Instructor-only. DurationMinutes omitted
// or zero means permanent.
type MuteUserMsg struct {
	Type            string `json:"type"`
	UserID          string `json:"user_id"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// UnmuteUserMsg lifts a participant's mute. Instructor-only.
type UnmuteUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ChatMessageEvent delivers a chat message (public or private) to a client.
type ChatMessageEvent struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	Body        string         `json:"body"`
	IsPrivate   bool           `json:"is_private"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Reactions   map[string]int `json:"reaction_counts"`
	Seq         int64          `json:"seq"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MessageDeletedEvent announces a soft-deleted message.
type MessageDeletedEvent struct {
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

// ReactionEvent announces an updated reaction count.
type ReactionEvent struct {
	MessageID string         `json:"message_id"`
	Reaction  string         `json:"reaction"`
	UserID    string         `json:"user_id"`
	Counts    map[string]int `json:"reaction_counts"`
}

// UserMutedEvent announces a mute. Auto marks strike-based mutes.
type UserMutedEvent struct {
	UserID      string     `json:"user_id"`
	MutedBy     string     `json:"muted_by"`
	Reason      string     `json:"reason,omitempty"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
	Auto        bool       `json:"auto"`
}

// UserUnmutedEvent announces a lifted mute.
type UserUnmutedEvent struct {
	UserID    string `json:"user_id"`
	UnmutedBy string `json:"unmuted_by"`
}

// HandEvent announces a raised or lowered hand.
type HandEvent struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	RaisedAt    time.Time `json:"raised_at,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
}

// TypingEvent relays a typing indicator change.
type TypingEvent struct {
	UserID string `json:"user_id"`
}

// PresenceEvent announces a user joining or leaving the session.
type PresenceEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// ErrorEvent communicates a rejected action with an explicit reason.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReactionAdded:
		var m ReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHandRaised:
		var m HandRaisedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHandLowered:
		var m HandLoweredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMuteUser:
		var m MuteUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnmuteUser:
		var m UnmuteUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event. The
// msgType is injected into the payload under the "type" key, keeping the
// wire shape flat regardless of the payload struct.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
