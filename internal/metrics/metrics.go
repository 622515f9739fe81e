// Package metrics provides Prometheus instrumentation for the pairing
// service: gauges for the queue and active chats, counters for pairings,
// relayed messages and moderation actions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of users waiting for a partner.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_queue_size",
		Help: "Current number of users in the matching queue",
	})

	// ActiveSessions tracks the current number of active chats.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// PairingsTotal counts completed pairings, labeled by how the partner
	// was chosen: "fifo", "preferred" or "fallback".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_pairings_total",
		Help: "Total number of completed pairings",
	}, []string{"mode"})

	// WaitDuration records the time a matched user spent in the queue.
	WaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_wait_duration_seconds",
		Help:    "Time from joining the queue to being paired",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// MessagesTotal counts relayed payloads, labeled by result:
	// "sent", "blocked", "failed" or "limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_messages_total",
		Help: "Total number of relay attempts",
	}, []string{"result"})

	// RatingsTotal counts submitted ratings by kind.
	RatingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_ratings_total",
		Help: "Total number of submitted ratings",
	}, []string{"kind"})

	// PendingRatings tracks rating prompts that were neither answered nor
	// expired.
	PendingRatings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_pending_ratings",
		Help: "Current number of open rating prompts",
	})

	// AutoBansTotal counts bans issued by the scam-report threshold.
	AutoBansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_auto_bans_total",
		Help: "Total number of automatic bans",
	})

	// ConsistencyViolations counts aborted operations that would have
	// broken an internal invariant.
	ConsistencyViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_consistency_violations_total",
		Help: "Total number of detected invariant violations",
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		PairingsTotal,
		WaitDuration,
		MessagesTotal,
		RatingsTotal,
		PendingRatings,
		AutoBansTotal,
		ConsistencyViolations,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
