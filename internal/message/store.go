package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/errs"
)

// Store is the durable message log for all sessions. Implementations must be
// safe for concurrent use from multiple sessions' service instances.
type Store interface {
	// Append persists a new message, assigning id, per-session sequence, and
	// timestamp. The returned message is the canonical record.
	Append(ctx context.Context, m *Message) (*Message, error)

	// Get returns a message by id, or a NOT_FOUND error.
	Get(ctx context.Context, messageID string) (*Message, error)

	// SoftDelete sets the tombstone flag. The record stays in storage and in
	// instructor exports. Returns NOT_FOUND for unknown ids.
	SoftDelete(ctx context.Context, messageID string) error

	// AddReaction increments one reaction counter and returns the updated
	// counts. Unknown kinds are rejected with a VALIDATION error.
	AddReaction(ctx context.Context, messageID, kind string) (map[string]int, error)

	// List returns the session's messages in created order, filtered by the
	// requester's visibility (private messages and tombstones per
	// Message.VisibleTo). since, when non-zero, skips older messages.
	List(ctx context.Context, sessionID, requesterID string, role auth.Role, since time.Time) ([]*Message, error)

	// ListAll returns every message of the session in created order,
	// including tombstones, optionally excluding private messages. Used by
	// the instructor-only transcript export.
	ListAll(ctx context.Context, sessionID string, includePrivate bool) ([]*Message, error)
}

// MemoryStore is an in-memory Store used in tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Message
	sessions map[string][]*Message // sessionID -> append order
	seqs     map[string]int64      // sessionID -> last assigned seq
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Message),
		sessions: make(map[string][]*Message),
		seqs:     make(map[string]int64),
		now:      time.Now,
	}
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.ReactionCounts = make(map[string]int, len(m.ReactionCounts))
	for k, v := range m.ReactionCounts {
		cp.ReactionCounts[k] = v
	}
	return &cp
}

func (s *MemoryStore) Append(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := copyMessage(m)
	rec.ID = uuid.New().String()
	s.seqs[m.SessionID]++
	rec.Seq = s.seqs[m.SessionID]
	rec.CreatedAt = s.now()
	rec.IsDeleted = false
	if rec.ReactionCounts == nil {
		rec.ReactionCounts = make(map[string]int)
	}

	s.byID[rec.ID] = rec
	s.sessions[rec.SessionID] = append(s.sessions[rec.SessionID], rec)

	return copyMessage(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return nil, errs.NotFound("message not found")
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return errs.NotFound("message not found")
	}
	m.IsDeleted = true
	return nil
}

func (s *MemoryStore) AddReaction(_ context.Context, messageID, kind string) (map[string]int, error) {
	if !ValidReaction(kind) {
		return nil, errs.Validation("unknown reaction kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return nil, errs.NotFound("message not found")
	}
	if m.ReactionCounts == nil {
		m.ReactionCounts = make(map[string]int)
	}
	m.ReactionCounts[kind]++

	counts := make(map[string]int, len(m.ReactionCounts))
	for k, v := range m.ReactionCounts {
		counts[k] = v
	}
	return counts, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID, requesterID string, role auth.Role, since time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.sessions[sessionID] {
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		if !m.VisibleTo(requesterID, role) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sortBySeq(out)
	return out, nil
}

func (s *MemoryStore) ListAll(_ context.Context, sessionID string, includePrivate bool) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.sessions[sessionID] {
		if m.IsPrivate && !includePrivate {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sortBySeq(out)
	return out, nil
}

func sortBySeq(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
}
