package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/classcast/livechat/internal/kv"
)

const (
	// StrikePrefix is the counter key prefix for strike records.
	StrikePrefix = "strikes:"

	// StrikeThreshold is the number of profanity violations within the
	// window that triggers an automatic mute.
	StrikeThreshold = 3

	// StrikeWindow is the inactivity window for the strike counter. The
	// window slides: each new violation re-arms the TTL.
	StrikeWindow = 1 * time.Hour

	// AutoMuteDuration is the length of the automatic mute issued when the
	// strike threshold is reached.
	AutoMuteDuration = 15 * time.Minute
)

// StrikeTracker accumulates profanity strikes per (session,user) in a counter
// store with a sliding inactivity window.
type StrikeTracker struct {
	counters kv.Counter
}

// NewStrikeTracker creates a StrikeTracker backed by the given counter store.
func NewStrikeTracker(counters kv.Counter) *StrikeTracker {
	return &StrikeTracker{counters: counters}
}

func strikeKey(sessionID, userID string) string {
	return fmt.Sprintf("%s%s:%s", StrikePrefix, sessionID, userID)
}

// Record registers one violation for the (session,user) pair and returns the
// resulting strike count plus whether the auto-mute threshold was reached.
// Reaching the threshold resets the counter, so a later violation starts a
// fresh count rather than compounding.
//
// Counter store errors fail open: no strike is recorded and no mute is
// triggered, because moderation bookkeeping must never block delivery of an
// already-censored message.
func (t *StrikeTracker) Record(ctx context.Context, sessionID, userID string) (int, bool) {
	key := strikeKey(sessionID, userID)

	count, err := t.counters.Increment(ctx, key)
	if err != nil {
		log.Printf("[strikes] counter increment key=%s: %v (failing open)", key, err)
		return 0, false
	}

	// Sliding window: every violation re-arms the expiry.
	if err := t.counters.Expire(ctx, key, StrikeWindow); err != nil {
		log.Printf("[strikes] counter expire key=%s: %v", key, err)
	}

	if count >= StrikeThreshold {
		if err := t.counters.Delete(ctx, key); err != nil {
			log.Printf("[strikes] counter reset key=%s: %v", key, err)
		}
		return int(count), true
	}

	return int(count), false
}

// Count returns the current strike count for the (session,user) pair, or 0
// when the counter is missing, expired, or the store is unavailable.
func (t *StrikeTracker) Count(ctx context.Context, sessionID, userID string) int {
	count, err := t.counters.Get(ctx, strikeKey(sessionID, userID))
	if err != nil {
		log.Printf("[strikes] counter get session=%s user=%s: %v", sessionID, userID, err)
		return 0
	}
	return int(count)
}
