package observ

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for MutationsTotal.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeNoop       = "noop"
	OutcomeRejected   = "rejected"
	OutcomeDiscarded  = "discarded"
)

var (
	MutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partyhub",
		Subsystem: "participation",
		Name:      "mutations_total",
		Help:      "Optimistic membership mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	MutationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "partyhub",
		Subsystem: "participation",
		Name:      "remote_write_seconds",
		Help:      "Time between optimistic apply and remote write settlement.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op"})

	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "partyhub",
		Subsystem: "participation",
		Name:      "reconcile_seconds",
		Help:      "Time spent on a full fetch-and-reconcile of a view.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	RealtimeNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partyhub",
		Subsystem: "realtime",
		Name:      "notifications_total",
		Help:      "Change notifications delivered to subscribers, by collection.",
	}, []string{"collection"})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "partyhub",
		Subsystem: "realtime",
		Name:      "active_subscriptions",
		Help:      "Change feed subscriptions currently held by views.",
	})
)

func init() {
	prometheus.MustRegister(MutationsTotal, MutationLatency, ReconcileSeconds, RealtimeNotifications, ActiveSubscriptions)
}
