package metrics

import "github.com/prometheus/client_golang/prometheus"

// VoteMetrics tracks cast attempts and how long they take end to end.
type VoteMetrics struct {
	VotesCast    *prometheus.CounterVec
	CastDuration prometheus.Histogram
}

func NewVoteMetrics(reg prometheus.Registerer) *VoteMetrics {
	m := &VoteMetrics{
		VotesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Total number of vote attempts, by outcome.",
		}, []string{"result"}),
		CastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vote_cast_duration_seconds",
			Help:      "Duration of vote casting including retries, in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	reg.MustRegister(m.VotesCast, m.CastDuration)
	return m
}
