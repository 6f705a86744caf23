package router

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Submissions      *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	DispatchAttempts prometheus.Histogram
	LaneDepth        prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution",
			Subsystem: "router",
			Name:      "submissions_total",
			Help:      "Order submissions by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution",
			Subsystem: "router",
			Name:      "transitions_total",
			Help:      "Order state transitions by target status.",
		}, []string{"status"}),
		DispatchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "execution",
			Subsystem: "router",
			Name:      "dispatch_attempts",
			Help:      "Broker dispatch attempts per order.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		LaneDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execution",
			Subsystem: "router",
			Name:      "lane_depth",
			Help:      "Orders queued across all dispatch lanes.",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.Submissions, m.Transitions, m.DispatchAttempts, m.LaneDepth)
	}
	return m
}
