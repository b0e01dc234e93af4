// Package mux merges the nodes event sources into a single delivery stream
// to the registered consumer.
//
// The multiplexer loop is the only goroutine that reads the sources or
// touches the consumer. Events within a source are delivered in order,
// though there is no ordering across sources.
//
// Events aren't buffered while there is no consumer. Instead the loop stops
// reading the sources until a consumer registers, so events back-pressure in
// the bounded source queues. Publishers block on a full local queue, and
// the topic queue stalls the topic read loop, but the overlay never blocks
// on the system event queue. Once it fills, further system events are
// dropped and counted by samplemesh_overlay_system_events_dropped_total.
package mux

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/message"
	"github.com/andydunstall/samplemesh/pkg/log"
)

const (
	dropReasonDecode   = "decode"
	dropReasonSync     = "sync"
	dropReasonConsumer = "consumer"
	dropReasonUnknown  = "unknown"
)

// Sources are the event sources read by the multiplexer.
type Sources struct {
	// System contains overlay status notifications.
	System <-chan event.SystemEvent

	// Topic contains encoded payloads received from the overlay.
	Topic <-chan event.TopicEvent

	// Local contains payloads published by this node.
	Local <-chan message.Payload

	// Register contains consumer registrations. Each replaces the active
	// consumer.
	Register <-chan Consumer
}

type Multiplexer struct {
	sources Sources

	// localKey is the public key attached to locally published payloads.
	localKey identity.PublicKey

	forwardTimeout time.Duration

	// consumer is the active consumer. Only accessed by the loop.
	consumer Consumer

	attached *atomic.Bool

	metrics *Metrics

	logger log.Logger
}

// New creates a multiplexer reading from the given sources.
//
// forwardTimeout bounds how long a single delivery may block before the
// consumer is considered stuck and unregistered. Zero disables the timeout.
func New(
	sources Sources,
	localKey identity.PublicKey,
	forwardTimeout time.Duration,
	logger log.Logger,
) *Multiplexer {
	return &Multiplexer{
		sources:        sources,
		localKey:       localKey,
		forwardTimeout: forwardTimeout,
		attached:       atomic.NewBool(false),
		metrics:        newMetrics(),
		logger:         logger.WithSubsystem("mux"),
	}
}

// Run reads events from the sources and forwards them to the consumer until
// ctx is cancelled or all sources are closed.
//
// Nothing is forwarded until the first consumer registers.
func (m *Multiplexer) Run(ctx context.Context) error {
	system := m.sources.System
	topic := m.sources.Topic
	local := m.sources.Local
	register := m.sources.Register

	defer m.setConsumer(nil)

	for {
		if system == nil && topic == nil && local == nil && register == nil {
			return nil
		}

		if m.consumer == nil {
			if register == nil {
				// No consumer can register so nothing can be delivered.
				return nil
			}

			select {
			case c, ok := <-register:
				if !ok {
					register = nil
					continue
				}
				m.register(c)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case e, ok := <-system:
			if !ok {
				system = nil
				continue
			}
			m.forward(ctx, event.NewSystem(&e))
		case e, ok := <-topic:
			if !ok {
				topic = nil
				continue
			}
			m.handleTopicEvent(ctx, e)
		case p, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			m.forward(ctx, event.NewMessage(message.New(m.localKey, p)))
		case c, ok := <-register:
			if !ok {
				register = nil
				continue
			}
			m.register(c)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConsumerAttached returns whether a consumer is currently registered.
func (m *Multiplexer) ConsumerAttached() bool {
	return m.attached.Load()
}

func (m *Multiplexer) Metrics() *Metrics {
	return m.metrics
}

func (m *Multiplexer) handleTopicEvent(ctx context.Context, e event.TopicEvent) {
	switch e.Kind {
	case event.TopicEventGossip:
	case event.TopicEventSync:
		// Sync sessions don't exchange application state, so sync
		// payloads are unexpected.
		m.logger.Warn(
			"dropping sync topic event",
			zap.String("topic", e.Topic.Short()),
			zap.String("peer", e.Peer),
		)
		m.metrics.EventsDropped.WithLabelValues(dropReasonSync).Inc()
		return
	default:
		m.logger.Warn(
			"dropping topic event: unknown kind",
			zap.Int("kind", int(e.Kind)),
		)
		m.metrics.EventsDropped.WithLabelValues(dropReasonUnknown).Inc()
		return
	}

	p, err := message.Decode(e.Data)
	if err != nil {
		m.logger.Warn(
			"dropping topic event: decode",
			zap.String("topic", e.Topic.Short()),
			zap.String("peer", e.Peer),
			zap.Error(err),
		)
		m.metrics.EventsDropped.WithLabelValues(dropReasonDecode).Inc()
		return
	}

	m.forward(ctx, event.NewMessage(message.New(e.Origin, p)))
}

// forward delivers the event to the consumer. If delivery fails the consumer
// is unregistered and the event is dropped.
func (m *Multiplexer) forward(ctx context.Context, e event.Event) {
	if m.forwardTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.forwardTimeout)
		defer cancel()
	}

	if err := m.consumer.Deliver(ctx, e); err != nil {
		m.logger.Warn(
			"failed to forward event; unregistering consumer",
			zap.String("type", e.Type()),
			zap.Error(err),
		)
		m.metrics.EventsDropped.WithLabelValues(dropReasonConsumer).Inc()
		m.setConsumer(nil)
		return
	}

	m.metrics.EventsForwarded.WithLabelValues(e.Type()).Inc()
}

func (m *Multiplexer) register(c Consumer) {
	if c == nil {
		return
	}

	if m.consumer != nil {
		m.logger.Info("replacing consumer")
	} else {
		m.logger.Info("consumer registered")
	}
	m.metrics.Registrations.Inc()
	m.setConsumer(c)
}

func (m *Multiplexer) setConsumer(c Consumer) {
	if m.consumer != nil && m.consumer != c {
		if r, ok := m.consumer.(Releaser); ok {
			r.Release()
		}
	}

	m.consumer = c
	m.attached.Store(c != nil)
	if c != nil {
		m.metrics.ConsumerAttached.Set(1)
	} else {
		m.metrics.ConsumerAttached.Set(0)
	}
}
