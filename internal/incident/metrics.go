package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident engine.
type Metrics struct {
	SubmitsTotal         *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	InvalidTransitions   prometheus.Counter
	CorrelationConflicts prometheus.Counter
	ResolutionSeconds    prometheus.Histogram
	SimilarityQueries    prometheus.Counter
	SimilarityCandidates prometheus.Histogram
	NotifyFailures       prometheus.Counter
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_submits_total",
			Help: "Total alert submissions by correlation outcome.",
		}, []string{"outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_transitions_total",
			Help: "Total accepted status transitions.",
		}, []string{"from", "to"}),
		InvalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_invalid_transitions_total",
			Help: "Total rejected status transitions.",
		}),
		CorrelationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_correlation_conflicts_total",
			Help: "Total optimistic concurrency conflicts retried during correlation.",
		}),
		ResolutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_resolution_seconds",
			Help:    "Time from incident creation to resolution in seconds.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12), // 1m .. ~3.4d
		}),
		SimilarityQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_similarity_queries_total",
			Help: "Total similarity queries served.",
		}),
		SimilarityCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_similarity_candidates",
			Help:    "Resolved candidates scored per similarity query.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16k
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_notify_failures_total",
			Help: "Total notification delivery failures.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.TransitionsTotal,
		m.InvalidTransitions,
		m.CorrelationConflicts,
		m.ResolutionSeconds,
		m.SimilarityQueries,
		m.SimilarityCandidates,
		m.NotifyFailures,
	)

	return m
}
