package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrumentation for one relay instance. Each instance
// carries its own registry so tests can construct relays side by side.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	ReadingsAccepted prometheus.Counter
	ReadingsRejected *prometheus.CounterVec
	AlertsTriggered  prometheus.Counter
	EventsDropped    prometheus.Counter
	Subscribers      prometheus.Gauge
}

// NewMetrics creates a new Metrics with all collectors registered
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Raw messages consumed from the message sources.",
		}, []string{"source"}),
		ReadingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_readings_accepted_total",
			Help: "Messages that passed validation and entered the state store.",
		}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_readings_rejected_total",
			Help: "Messages discarded by validation.",
		}, []string{"reason"}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_alerts_triggered_total",
			Help: "Alarm transitions from inactive to active.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events that could not be delivered to a subscriber.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscribers",
			Help: "Currently registered real-time subscribers.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.ReadingsAccepted,
		m.ReadingsRejected,
		m.AlertsTriggered,
		m.EventsDropped,
		m.Subscribers,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
