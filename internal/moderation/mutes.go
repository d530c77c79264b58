package moderation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/errs"
)

// SystemActor is the issuer recorded on mutes created by the strike-based
// auto-mute path rather than by an instructor.
const SystemActor = "system"

// Mute is one mute record. ActiveUntil == nil means the mute is permanent.
// Records are never physically removed; a superseded or lifted mute is
// deactivated in place so the audit trail survives.
type Mute struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	IssuedBy    string     `json:"issued_by"`
	Reason      string     `json:"reason"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// expired reports whether the mute's time bound has passed. Expiry is
// evaluated lazily at read time; no background sweep is required.
func (m *Mute) expired(now time.Time) bool {
	return m.ActiveUntil != nil && !m.ActiveUntil.After(now)
}

// MuteStore manages mute records keyed by (session,user). At most one mute is
// active per pair: issuing a new mute supersedes the prior one. Authorization
// (instructor-only) is enforced by the chat service, not here.
type MuteStore interface {
	// Mute creates a mute record. duration == nil makes it permanent.
	Mute(ctx context.Context, sessionID, userID, issuedBy, reason string, duration *time.Duration) (*Mute, error)

	// Unmute deactivates the active mute for the pair. Returns a NOT_MUTED
	// error if no active mute exists.
	Unmute(ctx context.Context, sessionID, userID string) error

	// IsMuted reports whether the pair has an active, unexpired mute.
	IsMuted(ctx context.Context, sessionID, userID string) (bool, error)

	// ActiveMute returns the active mute for the pair, or nil if none.
	ActiveMute(ctx context.Context, sessionID, userID string) (*Mute, error)

	// ListActive returns all active mutes in a session, newest first.
	ListActive(ctx context.Context, sessionID string) ([]*Mute, error)
}

// MemoryMuteStore is an in-memory MuteStore used in tests and single-node
// deployments without Postgres.
type MemoryMuteStore struct {
	mu    sync.Mutex
	mutes map[string][]*Mute // sessionID:userID -> records, oldest first
	now   func() time.Time
}

// NewMemoryMuteStore creates an empty in-memory mute store.
func NewMemoryMuteStore() *MemoryMuteStore {
	return &MemoryMuteStore{
		mutes: make(map[string][]*Mute),
		now:   time.Now,
	}
}

func pairKey(sessionID, userID string) string {
	return sessionID + ":" + userID
}

// activeLocked returns the pair's active unexpired mute. Caller holds mu.
func (s *MemoryMuteStore) activeLocked(sessionID, userID string) *Mute {
	now := s.now()
	for _, m := range s.mutes[pairKey(sessionID, userID)] {
		if m.IsActive && !m.expired(now) {
			return m
		}
	}
	return nil
}

func (s *MemoryMuteStore) Mute(_ context.Context, sessionID, userID, issuedBy, reason string, duration *time.Duration) (*Mute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A new mute supersedes any prior active one.
	if prev := s.activeLocked(sessionID, userID); prev != nil {
		prev.IsActive = false
	}

	now := s.now()
	m := &Mute{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		IssuedBy:  issuedBy,
		Reason:    reason,
		IsActive:  true,
		CreatedAt: now,
	}
	if duration != nil {
		until := now.Add(*duration)
		m.ActiveUntil = &until
	}

	key := pairKey(sessionID, userID)
	s.mutes[key] = append(s.mutes[key], m)

	cp := *m
	return &cp, nil
}

func (s *MemoryMuteStore) Unmute(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(sessionID, userID)
	if m == nil {
		return errs.NotMuted("no active mute for user")
	}
	m.IsActive = false
	return nil
}

func (s *MemoryMuteStore) IsMuted(ctx context.Context, sessionID, userID string) (bool, error) {
	m, err := s.ActiveMute(ctx, sessionID, userID)
	return m != nil, err
}

func (s *MemoryMuteStore) ActiveMute(_ context.Context, sessionID, userID string) (*Mute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.activeLocked(sessionID, userID)
	if m == nil {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryMuteStore) ListActive(_ context.Context, sessionID string) ([]*Mute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Mute
	for _, records := range s.mutes {
		for _, m := range records {
			if m.SessionID == sessionID && m.IsActive && !m.expired(now) {
				cp := *m
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
