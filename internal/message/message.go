// Package message provides the durable, append-mostly chat message log that
// backs session transcripts. Messages are never physically removed: deletion
// is a tombstone flag and reactions mutate only the counts, so the audit
// trail survives every moderation action.
package message

import (
	"time"

	"github.com/classcast/livechat/internal/auth"
)

// Reaction kinds form a fixed enumerated set; anything else is rejected.
const (
	ReactionThumbsUp = "thumbs_up"
	ReactionClap     = "clap"
	ReactionHeart    = "heart"
	ReactionFire     = "fire"
)

// ValidReaction reports whether kind belongs to the fixed reaction set.
func ValidReaction(kind string) bool {
	switch kind {
	case ReactionThumbsUp, ReactionClap, ReactionHeart, ReactionFire:
		return true
	}
	return false
}

// MaxBodyChars is the maximum message length in characters.
const MaxBodyChars = 500

// Message is one chat message. Body holds the post-filter (censored) text.
// Seq is a per-session monotonic sequence assigned on append; within one
// sender it reflects real-time send order.
type Message struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	SenderID       string         `json:"sender_id"`
	SenderName     string         `json:"sender_name"`
	Body           string         `json:"body"`
	IsPrivate      bool           `json:"is_private"`
	RecipientID    *string        `json:"recipient_id,omitempty"`
	ReactionCounts map[string]int `json:"reaction_counts"`
	IsDeleted      bool           `json:"is_deleted"`
	Seq            int64          `json:"seq"`
	CreatedAt      time.Time      `json:"created_at"`
}

// VisibleTo reports whether the message may be shown to the given requester
// in normal retrieval. Private messages are visible to sender, recipient,
// and instructors; tombstoned messages only to instructors.
func (m *Message) VisibleTo(requesterID string, role auth.Role) bool {
	if m.IsDeleted && role != auth.RoleInstructor {
		return false
	}
	if !m.IsPrivate {
		return true
	}
	if role == auth.RoleInstructor {
		return true
	}
	if m.SenderID == requesterID {
		return true
	}
	return m.RecipientID != nil && *m.RecipientID == requesterID
}
