package mux

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// EventsForwarded is the number of events delivered to the consumer,
	// labelled by event type.
	EventsForwarded *prometheus.CounterVec

	// EventsDropped is the number of events that were not delivered,
	// labelled by reason.
	EventsDropped *prometheus.CounterVec

	// Registrations is the total number of consumer registrations.
	Registrations prometheus.Counter

	// ConsumerAttached is 1 when a consumer is registered and 0 otherwise.
	ConsumerAttached prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "mux",
				Name:      "events_forwarded_total",
				Help:      "Total number of events delivered to the consumer",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "mux",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped before delivery",
			},
			[]string{"reason"},
		),
		Registrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "mux",
				Name:      "registrations_total",
				Help:      "Total number of consumer registrations",
			},
		),
		ConsumerAttached: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "samplemesh",
				Subsystem: "mux",
				Name:      "consumer_attached",
				Help:      "Whether a consumer is registered",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.EventsForwarded,
		m.EventsDropped,
		m.Registrations,
		m.ConsumerAttached,
	)
}
