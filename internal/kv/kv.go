// Package kv provides the counter abstraction behind rate limiting and
// profanity-strike tracking. The interface is deliberately small (increment,
// get, expire, delete) so the concurrency core never depends on a specific
// backing store: production uses Redis, tests and single-node development use
// the in-memory implementation.
package kv

import (
	"context"
	"sync"
	"time"
)

// Counter is an atomic counter store with per-key TTL support.
type Counter interface {
	// Increment atomically increments key by one and returns the new value.
	// Missing keys start at zero.
	Increment(ctx context.Context, key string) (int64, error)

	// Get returns the current value of key, or 0 if the key does not exist
	// or has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL on key. Calling it again re-arms the TTL, which is
	// how sliding windows are implemented.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key immediately.
	Delete(ctx context.Context, key string) error
}

// MemoryCounter is a goroutine-safe in-memory Counter. Expiry timestamps are
// evaluated lazily on access; no background sweeper is required for
// correctness.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value     int64
	expiresAt time.Time // zero = no expiry
}

// NewMemoryCounter creates an empty in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// live returns the entry for key if present and not expired, pruning expired
// entries as a side effect. Caller must hold mu.
func (m *MemoryCounter) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (m *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	return e.value, nil
}

func (m *MemoryCounter) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(key); e != nil {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *MemoryCounter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}
