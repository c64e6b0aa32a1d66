package metrics

import "github.com/prometheus/client_golang/prometheus"

// Publish paths and outcomes used as label values.
const (
	PathNow       = "now"
	PathLater     = "later"
	PathDebounced = "debounced"
	PathJob       = "job"

	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeDisabled = "disabled"
	OutcomeEmpty    = "empty"
	OutcomeEnqueued = "enqueued"
)

// BroadcastMetrics covers the publish side: broadcaster, debouncer and job workers.
type BroadcastMetrics struct {
	Publishes          *prometheus.CounterVec
	DebounceSuperseded prometheus.Counter
	JobRetries         prometheus.Counter
	JobsDiscarded      prometheus.Counter
	JobDuration        prometheus.Histogram
}

func NewBroadcastMetrics(reg prometheus.Registerer) *BroadcastMetrics {
	m := &BroadcastMetrics{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "publishes_total",
			Help:      "Publish calls by path and outcome.",
		}, []string{"path", "outcome"}),
		DebounceSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "debounce_superseded_total",
			Help:      "Debounced publishes dropped because a newer one replaced them.",
		}),
		JobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Deferred publish attempts that failed and were retried.",
		}),
		JobsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "discarded_total",
			Help:      "Deferred publishes discarded after exhausting retries.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time spent performing a deferred publish, retries included.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
	}

	reg.MustRegister(m.Publishes, m.DebounceSuperseded, m.JobRetries, m.JobsDiscarded, m.JobDuration)
	return m
}

// NewNoopBroadcastMetrics registers on a throwaway registry; for tests and tools.
func NewNoopBroadcastMetrics() *BroadcastMetrics {
	return NewBroadcastMetrics(prometheus.NewRegistry())
}
