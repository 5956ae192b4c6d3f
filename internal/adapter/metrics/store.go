package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics tracks commits to the poll slot and optimistic-concurrency churn.
type StoreMetrics struct {
	Commits      *prometheus.CounterVec
	Conflicts    prometheus.Counter
	Exhausted    prometheus.Counter
	FeedRestarts prometheus.Counter
}

func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Total number of committed poll changes, by operation.",
		}, []string{"op"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "version_conflicts_total",
			Help:      "Total number of compare-and-swap attempts lost to a concurrent commit.",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "contention_failures_total",
			Help:      "Total number of mutations abandoned after exhausting retries.",
		}),
		FeedRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "feed_restarts_total",
			Help:      "Total number of times the change feed was re-established.",
		}),
	}

	reg.MustRegister(m.Commits, m.Conflicts, m.Exhausted, m.FeedRestarts)
	return m
}
