// Package ratelimit provides per-(session,user) action throttling using the
// INCR + EXPIRE window algorithm over a counter store. Each action kind
// (message, reaction) has its own window, so throttling never requires a
// central lock across sessions.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/classcast/livechat/internal/kv"
	"github.com/classcast/livechat/internal/metrics"
)

// Rule defines a rate limiting policy: the counter key prefix, maximum number
// of actions allowed in the window, and the window duration.
type Rule struct {
	Prefix string        // counter key prefix (e.g., "rl:msg:", "rl:react:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per (session,user).
	RuleMessage = Rule{Prefix: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleReaction allows 10 reactions per minute per (session,user).
	RuleReaction = Rule{Prefix: "rl:react:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against a counter store.
type Limiter struct {
	counters kv.Counter
}

// NewLimiter creates a Limiter backed by the given counter store.
func NewLimiter(counters kv.Counter) *Limiter {
	return &Limiter{counters: counters}
}

// key builds the counter key for one (session,user) pair under a rule.
func key(rule Rule, sessionID, userID string) string {
	return fmt.Sprintf("%s%s:%s", rule.Prefix, sessionID, userID)
}

// Allow checks whether the (session,user) pair is within the rate limit
// defined by rule. It increments the counter and sets the expiry on first
// access to define the window boundary.
//
// Returns true if the action is allowed, false if rate limited. On counter
// store errors the limiter fails open (returns true) so that an outage of the
// rate limiting infrastructure never blocks basic communication; the degraded
// mode is logged and counted.
func (l *Limiter) Allow(ctx context.Context, sessionID, userID string, rule Rule) bool {
	k := key(rule, sessionID, userID)

	count, err := l.counters.Increment(ctx, k)
	if err != nil {
		log.Printf("[ratelimit] counter increment key=%s: %v (failing open)", k, err)
		metrics.RateLimitDegraded.Inc()
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.counters.Expire(ctx, k, rule.Window); err != nil {
			log.Printf("[ratelimit] counter expire key=%s: %v (failing open)", k, err)
			metrics.RateLimitDegraded.Inc()
			// The key exists with no TTL and would throttle the pair forever.
			// Best effort: delete it.
			_ = l.counters.Delete(ctx, k)
			return true
		}
	}

	return int(count) <= rule.Limit
}

// Remaining returns how many actions the (session,user) pair has left in the
// current window. Returns the full limit if the counter does not exist or the
// store is unavailable (fail open).
func (l *Limiter) Remaining(ctx context.Context, sessionID, userID string, rule Rule) int {
	k := key(rule, sessionID, userID)

	count, err := l.counters.Get(ctx, k)
	if err != nil {
		log.Printf("[ratelimit] counter get key=%s: %v (failing open)", k, err)
		return rule.Limit
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
