package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/moeva/internal/attack"
)

const metricsNamespace = "moeva"

// Metrics holds the Prometheus collectors for attack jobs.
type Metrics struct {
	// AttacksTotal counts finished attacks by final status.
	AttacksTotal *prometheus.CounterVec
	// AttacksRunning is the number of attacks holding a run slot.
	AttacksRunning prometheus.Gauge
	// GenerationsTotal counts completed generations across all attacks.
	GenerationsTotal prometheus.Counter
	// EvaluationsTotal counts classifier evaluations across all attacks.
	EvaluationsTotal prometheus.Counter
	// AttackDuration measures wall time from start to finish.
	AttackDuration *prometheus.HistogramVec
	// FrontSize observes the size of each returned front.
	FrontSize prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attacks_total",
			Help:      "Finished attacks by final status.",
		}, []string{"status"}),
		AttacksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "attacks_running",
			Help:      "Attacks currently running.",
		}),
		GenerationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_total",
			Help:      "Completed generations across all attacks.",
		}),
		EvaluationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evaluations_total",
			Help:      "Classifier evaluations across all attacks.",
		}),
		AttackDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "attack_duration_seconds",
			Help:      "Attack wall time in seconds by final status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		FrontSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "front_size",
			Help:      "Number of candidates in returned fronts.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}

// observer returns an engine observer that counts generations and the
// evaluations spent on each.
func (m *Metrics) observer() func(attack.GenerationStats) {
	last := 0
	return func(s attack.GenerationStats) {
		m.GenerationsTotal.Inc()
		if s.Evaluations > last {
			m.EvaluationsTotal.Add(float64(s.Evaluations - last))
		}
		last = s.Evaluations
	}
}
