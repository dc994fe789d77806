package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "exorun"

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Submitted      prometheus.Counter
	Rejected       *prometheus.CounterVec
	Finished       *prometheus.CounterVec
	Running        prometheus.Gauge
	Pending        prometheus.Gauge
	EngineDuration prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the queue.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions refused, by reason.",
		}, []string{"reason"}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_running",
			Help:      "Jobs currently holding an execution slot.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for an execution slot.",
		}),
		EngineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "engine_duration_seconds",
			Help:      "Wall time of engine runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}
}
