package poller

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "trainwatch"
	subsystem = "poller"
)

// Metrics represents poller metrics.
type Metrics struct {
	PollDuration *prometheus.HistogramVec
	Points       prometheus.Counter
	Errors       *prometheus.CounterVec
}

// NewMetrics creates new poller metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "duration_seconds",
				Help:      "Time spent reading from the source.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"loop"},
		),
		Points: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "points_total",
				Help:      "Total number of points read from the source.",
			},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of failed source reads.",
			},
			[]string{"loop"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PollDuration.Describe(ch)
	m.Points.Describe(ch)
	m.Errors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PollDuration.Collect(ch)
	m.Points.Collect(ch)
	m.Errors.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Metrics)(nil)
)
