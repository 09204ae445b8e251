package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the dispatch counter.
const (
	outcomeStable   = "stable"
	outcomeTimedOut = "timed_out"
	outcomeEmpty    = "empty"
	outcomeError    = "error"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	answerSize *prometheus.HistogramVec
}

// NewMetrics registers dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantheon",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched prompts by category and outcome",
		}, []string{"category", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pantheon",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from dispatch to a settled or timed out reply",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		}, []string{"category"}),
		answerSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pantheon",
			Subsystem: "dispatch",
			Name:      "answer_bytes",
			Help:      "Size of extracted answers",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"category"}),
	}
}

func (m *Metrics) observe(category, outcome string, d time.Duration, answerBytes int) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(category, outcome).Inc()
	if outcome == outcomeError {
		return
	}
	m.duration.WithLabelValues(category).Observe(d.Seconds())
	m.answerSize.WithLabelValues(category).Observe(float64(answerBytes))
}
