package presence

import (
	"sort"
	"sync"
	"time"
)

// TypingTTL is how long a typing signal stays visible without being
// refreshed. Clients re-signal while the user keeps typing.
const TypingTTL = 5 * time.Second

// TypingTracker holds per-session typing indicators in memory. Entries carry
// an expiry timestamp and are filtered lazily on read, so disconnects never
// need to clear them eagerly.
type TypingTracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]time.Time // sessionID -> userID -> expires_at
	now      func() time.Time
}

// NewTypingTracker creates an empty typing tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		sessions: make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// Set marks the user as typing (extending the TTL from now) or clears the
// indicator when typing is false.
func (t *TypingTracker) Set(sessionID, userID string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.sessions[sessionID]
	if typing {
		if users == nil {
			users = make(map[string]time.Time)
			t.sessions[sessionID] = users
		}
		users[userID] = t.now().Add(TypingTTL)
		return
	}

	if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.sessions, sessionID)
		}
	}
}

// List returns the ids of users currently typing in the session, pruning
// expired entries as a side effect.
func (t *TypingTracker) List(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.sessions[sessionID]
	if len(users) == 0 {
		return nil
	}

	now := t.now()
	out := make([]string, 0, len(users))
	for userID, expiresAt := range users {
		if expiresAt.After(now) {
			out = append(out, userID)
		} else {
			delete(users, userID)
		}
	}
	if len(users) == 0 {
		delete(t.sessions, sessionID)
	}
	sort.Strings(out)
	return out
}
