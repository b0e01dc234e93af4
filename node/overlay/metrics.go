package overlay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// PeersDiscovered is the total number of peers found by discovery.
	PeersDiscovered prometheus.Counter

	// Neighbors is the number of topic neighbors, labelled by topic.
	Neighbors *prometheus.GaugeVec

	// MessagesInbound is the total number of messages received from the
	// topic.
	MessagesInbound prometheus.Counter

	// MessagesOutbound is the total number of messages broadcast to the
	// topic.
	MessagesOutbound prometheus.Counter

	// SyncSessions is the total number of sync sessions, labelled by role
	// and result.
	SyncSessions *prometheus.CounterVec

	// SyncBytesInbound is the total number of read bytes via a sync stream.
	SyncBytesInbound prometheus.Counter

	// SyncBytesOutbound is the total number of written bytes via a sync
	// stream.
	SyncBytesOutbound prometheus.Counter

	// SystemEventsDropped is the total number of system events dropped as
	// the system event queue was full.
	SystemEventsDropped prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		PeersDiscovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "peers_discovered_total",
				Help:      "Total number of peers found by discovery",
			},
		),
		Neighbors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "neighbors",
				Help:      "Number of topic neighbors",
			},
			[]string{"topic"},
		),
		MessagesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "messages_inbound_total",
				Help:      "Total number of messages received from the topic",
			},
		),
		MessagesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "messages_outbound_total",
				Help:      "Total number of messages broadcast to the topic",
			},
		),
		SyncSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "sync_sessions_total",
				Help:      "Total number of sync sessions",
			},
			[]string{"role", "result"},
		),
		SyncBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "sync_bytes_inbound_total",
				Help:      "Total number of read bytes via a sync stream",
			},
		),
		SyncBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "sync_bytes_outbound_total",
				Help:      "Total number of written bytes via a sync stream",
			},
		),
		SystemEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "samplemesh",
				Subsystem: "overlay",
				Name:      "system_events_dropped_total",
				Help:      "Total number of system events dropped as the queue was full",
			},
		),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.PeersDiscovered,
		m.Neighbors,
		m.MessagesInbound,
		m.MessagesOutbound,
		m.SyncSessions,
		m.SyncBytesInbound,
		m.SyncBytesOutbound,
		m.SystemEventsDropped,
	)
}
