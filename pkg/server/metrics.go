package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
)

const (
	namespace = "trainwatch"
	subsystem = "stream"
)

// BrokerMetrics represents stream broker metrics.
type BrokerMetrics struct {
	Clients   prometheus.Gauge
	Published *prometheus.CounterVec
	Dropped   prometheus.Counter
}

// NewBrokerMetrics creates new broker metrics.
func NewBrokerMetrics() *BrokerMetrics {
	return &BrokerMetrics{
		Clients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "clients",
				Help:      "The current number of connected stream clients.",
			},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "published_events_total",
				Help:      "Total number of events published to stream clients.",
			},
			[]string{"event"},
		),
		Dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dropped_clients_total",
				Help:      "Total number of stream clients dropped for falling behind.",
			},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *BrokerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Clients.Describe(ch)
	m.Published.Describe(ch)
	m.Dropped.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *BrokerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Clients.Collect(ch)
	m.Published.Collect(ch)
	m.Dropped.Collect(ch)
}

// newHubVersionGauge reports the hub version at scrape time.
func newHubVersionGauge(h *hub.Hub) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "version",
			Help:      "The current metrics cache version.",
		},
		func() float64 { return float64(h.Version()) },
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*BrokerMetrics)(nil)
)
