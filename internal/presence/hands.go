// Package presence tracks ephemeral participation signals for a live
// session: raised hands (durable, first-raised-first-served) and typing
// indicators (TTL-based, evaluated lazily at read time).
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/errs"
)

// RaisedHand is one raised-hand record. A hand is active while LoweredAt is
// nil; at most one active entry exists per (session,user).
type RaisedHand struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	DisplayName    string     `json:"display_name"`
	RaisedAt       time.Time  `json:"raised_at"`
	LoweredAt      *time.Time `json:"lowered_at,omitempty"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
}

// HandStore manages raised-hand records. Authorization for lowering someone
// else's hand is enforced by the chat service.
type HandStore interface {
	// Raise creates an active raised-hand entry, or returns the existing one
	// if the user's hand is already up (idempotent).
	Raise(ctx context.Context, sessionID, userID, displayName string) (*RaisedHand, error)

	// Lower marks the user's active hand as lowered. Returns a NOT_RAISED
	// error if no active entry exists.
	Lower(ctx context.Context, sessionID, userID string) error

	// Acknowledge records which instructor called on the raised hand.
	// Returns a NOT_RAISED error if no active entry exists.
	Acknowledge(ctx context.Context, sessionID, userID, instructorID string) (*RaisedHand, error)

	// ListRaised returns all active hands in the session ordered by
	// raised_at ascending (first raised, first served).
	ListRaised(ctx context.Context, sessionID string) ([]*RaisedHand, error)
}

// MemoryHandStore is an in-memory HandStore used in tests and single-node
// deployments without Postgres.
type MemoryHandStore struct {
	mu    sync.Mutex
	hands map[string][]*RaisedHand // sessionID -> records, append order
	now   func() time.Time
}

// NewMemoryHandStore creates an empty in-memory raised-hand store.
func NewMemoryHandStore() *MemoryHandStore {
	return &MemoryHandStore{
		hands: make(map[string][]*RaisedHand),
		now:   time.Now,
	}
}

// activeLocked returns the user's active hand in the session. Caller holds mu.
func (s *MemoryHandStore) activeLocked(sessionID, userID string) *RaisedHand {
	for _, h := range s.hands[sessionID] {
		if h.UserID == userID && h.LoweredAt == nil {
			return h
		}
	}
	return nil
}

func (s *MemoryHandStore) Raise(_ context.Context, sessionID, userID, displayName string) (*RaisedHand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeLocked(sessionID, userID); existing != nil {
		cp := *existing
		return &cp, nil
	}

	h := &RaisedHand{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		RaisedAt:    s.now(),
	}
	s.hands[sessionID] = append(s.hands[sessionID], h)

	cp := *h
	return &cp, nil
}

func (s *MemoryHandStore) Lower(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.activeLocked(sessionID, userID)
	if h == nil {
		return errs.NotRaised("hand is not raised")
	}
	now := s.now()
	h.LoweredAt = &now
	return nil
}

func (s *MemoryHandStore) Acknowledge(_ context.Context, sessionID, userID, instructorID string) (*RaisedHand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.activeLocked(sessionID, userID)
	if h == nil {
		return nil, errs.NotRaised("hand is not raised")
	}
	h.AcknowledgedBy = &instructorID

	cp := *h
	return &cp, nil
}

func (s *MemoryHandStore) ListRaised(_ context.Context, sessionID string) ([]*RaisedHand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RaisedHand
	for _, h := range s.hands[sessionID] {
		if h.LoweredAt == nil {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}
