// Package metrics provides Prometheus instrumentation for the live-session
// chat service. It exposes gauges for connection counts, counters for message
// outcomes and moderation activity, and histograms for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsActive tracks the number of sessions with at least one connection.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_sessions_active",
		Help: "Current number of sessions with live connections",
	})

	// MessagesTotal counts processed chat messages, labeled by outcome:
	// "delivered", "muted", "rate_limited", "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// ProfanityViolations counts messages that tripped the profanity filter.
	ProfanityViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_profanity_violations_total",
		Help: "Total number of messages with censored content",
	})

	// AutoMutes counts mutes issued automatically by strike accumulation.
	AutoMutes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_auto_mutes_total",
		Help: "Total number of automatic strike-based mutes",
	})

	// RateLimitDegraded counts fail-open events where the counter store was
	// unavailable and an action was allowed unchecked.
	RateLimitDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_ratelimit_degraded_total",
		Help: "Total number of fail-open rate limit decisions",
	})

	// BroadcastLatency records hub fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livechat_broadcast_latency_seconds",
		Help:    "Hub broadcast fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// DroppedClients counts connections closed because their outbound queue
	// overflowed (slow consumer policy).
	DroppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_dropped_clients_total",
		Help: "Total number of connections dropped due to send queue overflow",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MessagesTotal,
		ProfanityViolations,
		AutoMutes,
		RateLimitDegraded,
		BroadcastLatency,
		DroppedClients,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
