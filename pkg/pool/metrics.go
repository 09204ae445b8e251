package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports pool activity to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	handles      *prometheus.GaugeVec
	created      *prometheus.CounterVec
	createErrors *prometheus.CounterVec
	reclaimed    *prometheus.CounterVec
	destroyErrs  *prometheus.CounterVec
	acquireWait  *prometheus.HistogramVec
}

// NewMetrics registers the pool collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		handles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "handles",
			Help:      "Pooled sessions by category and state.",
		}, []string{"category", "state"}),
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "created_total",
			Help:      "Sessions created by the resource factory.",
		}, []string{"category"}),
		createErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "create_errors_total",
			Help:      "Resource factory failures.",
		}, []string{"category"}),
		reclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "reclaimed_total",
			Help:      "Idle sessions removed by reclamation.",
		}, []string{"category"}),
		destroyErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "destroy_errors_total",
			Help:      "Resource destroy failures (logged and ignored).",
		}, []string{"category"}),
		acquireWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pantheon",
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent in Acquire before a handle was granted.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
		}, []string{"category"}),
	}
}

func (m *Metrics) observeStats(category string, s Stats) {
	if m == nil {
		return
	}
	m.handles.WithLabelValues(category, "in_use").Set(float64(s.InUse))
	m.handles.WithLabelValues(category, "available").Set(float64(s.Available))
}

func (m *Metrics) recordCreated(category string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(category).Inc()
}

func (m *Metrics) recordCreateError(category string) {
	if m == nil {
		return
	}
	m.createErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) recordReclaimed(category string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(category).Inc()
}

func (m *Metrics) recordDestroyError(category string) {
	if m == nil {
		return
	}
	m.destroyErrs.WithLabelValues(category).Inc()
}

func (m *Metrics) observeAcquire(category string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.WithLabelValues(category).Observe(d.Seconds())
}
