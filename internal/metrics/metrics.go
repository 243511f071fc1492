// Package metrics provides Prometheus instrumentation for the QuikChat
// broker. It exposes gauges for registry/queue/call sizes, counters for
// matches and relayed signals, and a histogram for queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quikchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current size of the session registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quikchat_online_users",
		Help: "Current number of registered user sessions",
	})

	// QueueSize tracks the current number of users waiting to be paired.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quikchat_queue_size",
		Help: "Current number of users in the matchmaking queue",
	})

	// ActiveCalls tracks the current number of live calls.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quikchat_active_calls",
		Help: "Current number of live two-party calls",
	})

	// MatchesTotal counts successful pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quikchat_matches_total",
		Help: "Total number of successful matches",
	})

	// MatchWaitSeconds records how long the matched candidate waited in queue.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quikchat_match_wait_seconds",
		Help:    "Queue wait time of the matched candidate",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	// SignalsTotal counts relayed payloads, labeled by kind ("signal", "chat").
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quikchat_signals_total",
		Help: "Total number of relayed call payloads",
	}, []string{"kind"})

	// SignalsDroppedTotal counts relays dropped because the partner had no
	// live connection.
	SignalsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quikchat_signals_dropped_total",
		Help: "Total number of relays dropped for a partner without a live connection",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		QueueSize,
		ActiveCalls,
		MatchesTotal,
		MatchWaitSeconds,
		SignalsTotal,
		SignalsDroppedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
