package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics tracks viewers attached to the subscription hub.
type HubMetrics struct {
	Viewers    prometheus.Gauge
	Deliveries prometheus.Counter
	Evictions  *prometheus.CounterVec
}

func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "viewers",
			Help:      "Number of attached viewers.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Total number of poll changes delivered to viewers.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Total number of viewers dropped by the hub, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Viewers, m.Deliveries, m.Evictions)
	return m
}
