package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/message"
	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/pkg/log"
)

var (
	localKey  = identity.PublicKey{1, 2, 3}
	remoteKey = identity.PublicKey{4, 5, 6}
)

type sources struct {
	System   chan event.SystemEvent
	Topic    chan event.TopicEvent
	Local    chan message.Payload
	Register chan Consumer
}

// newSources creates unbuffered sources, so a send completes only once the
// loop has received it.
func newSources() *sources {
	return &sources{
		System:   make(chan event.SystemEvent),
		Topic:    make(chan event.TopicEvent),
		Local:    make(chan message.Payload),
		Register: make(chan Consumer),
	}
}

func (s *sources) Sources() Sources {
	return Sources{
		System:   s.System,
		Topic:    s.Topic,
		Local:    s.Local,
		Register: s.Register,
	}
}

func runMux(t *testing.T, m *Multiplexer) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errCh
}

func nextEvent(t *testing.T, c *ChanConsumer) event.Event {
	t.Helper()

	select {
	case e := <-c.Events():
		return e
	case <-time.After(time.Second * 5):
		t.Fatal("event timeout")
		return event.Event{}
	}
}

func send[T any](t *testing.T, ch chan T, v T) {
	t.Helper()

	select {
	case ch <- v:
	case <-time.After(time.Second * 5):
		t.Fatal("send timeout")
	}
}

func encode(t *testing.T, p message.Payload) []byte {
	b, err := message.Encode(p)
	require.NoError(t, err)
	return b
}

type failingConsumer struct {
	err error
}

func (c *failingConsumer) Deliver(_ context.Context, _ event.Event) error {
	return c.err
}

func TestMultiplexer_Forward(t *testing.T) {
	t.Run("local message", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		send(t, s.Local, message.Payload{Timestamp: 1000, SampleIndex: 7})

		e := nextEvent(t, consumer)
		require.NotNil(t, e.Message)
		assert.Equal(t, &message.Message{
			PublicKey:   localKey,
			Timestamp:   1000,
			SampleIndex: 7,
		}, e.Message)

		// Delivered exactly once.
		select {
		case e := <-consumer.Events():
			t.Fatalf("unexpected event: %v", e)
		case <-time.After(time.Millisecond * 50):
		}
	})

	t.Run("gossip message", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		send(t, s.Topic, event.TopicEvent{
			Kind:   event.TopicEventGossip,
			Topic:  topic.App,
			Origin: remoteKey,
			Peer:   "peer-1",
			Data:   encode(t, message.Payload{Timestamp: 5, SampleIndex: 2}),
		})

		e := nextEvent(t, consumer)
		require.NotNil(t, e.Message)
		// Attributed to the sender rather than the local node.
		assert.Equal(t, remoteKey, e.Message.PublicKey)
		assert.Equal(t, uint64(5), e.Message.Timestamp)
		assert.Equal(t, uint16(2), e.Message.SampleIndex)
	})

	t.Run("overlay joined", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		app := topic.App
		joined := event.SystemEvent{
			Kind:  event.KindOverlayJoined,
			Topic: &app,
			Peers: []string{"P1", "P2"},
		}
		send(t, s.System, joined)

		e := nextEvent(t, consumer)
		require.NotNil(t, e.System)
		assert.Equal(t, &joined, e.System)
		assert.Equal(t, float64(1), testutil.ToFloat64(
			m.Metrics().EventsForwarded.WithLabelValues("SystemEvent"),
		))
	})

	t.Run("per source order", func(t *testing.T) {
		s := &sources{
			System:   make(chan event.SystemEvent, 100),
			Topic:    make(chan event.TopicEvent, 100),
			Local:    make(chan message.Payload, 100),
			Register: make(chan Consumer, 1),
		}
		for i := 0; i != 50; i++ {
			s.Local <- message.Payload{Timestamp: uint64(i)}
			s.System <- event.SystemEvent{
				Kind: event.KindNeighborUp,
				Peer: string(rune('a' + i%26)),
			}
		}

		consumer := NewChanConsumer(100)
		s.Register <- consumer

		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		var timestamps []uint64
		var systemEvents int
		for i := 0; i != 100; i++ {
			e := nextEvent(t, consumer)
			if e.Message != nil {
				timestamps = append(timestamps, e.Message.Timestamp)
			} else {
				systemEvents++
			}
		}

		// Local messages keep their order, even though they may be
		// interleaved with system events in any order.
		require.Len(t, timestamps, 50)
		for i, ts := range timestamps {
			assert.Equal(t, uint64(i), ts)
		}
		assert.Equal(t, 50, systemEvents)
	})
}

func TestMultiplexer_Register(t *testing.T) {
	t.Run("wait for first registration", func(t *testing.T) {
		s := &sources{
			System:   make(chan event.SystemEvent),
			Topic:    make(chan event.TopicEvent),
			Local:    make(chan message.Payload, 1),
			Register: make(chan Consumer),
		}
		s.Local <- message.Payload{Timestamp: 1}

		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		// The event must stay queued until a consumer registers.
		time.Sleep(time.Millisecond * 50)
		assert.Len(t, s.Local, 1)
		assert.False(t, m.ConsumerAttached())

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		e := nextEvent(t, consumer)
		require.NotNil(t, e.Message)
		assert.Equal(t, uint64(1), e.Message.Timestamp)
		assert.True(t, m.ConsumerAttached())
	})

	t.Run("replace consumer", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer1 := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer1)
		send(t, s.Local, message.Payload{Timestamp: 1})

		consumer2 := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer2)
		send(t, s.Local, message.Payload{Timestamp: 2})

		e := nextEvent(t, consumer2)
		assert.Equal(t, uint64(2), e.Message.Timestamp)

		// The first consumer only sees events before it was replaced, and
		// the new consumer gets no replay.
		require.Len(t, consumer1.Events(), 1)
		e = nextEvent(t, consumer1)
		assert.Equal(t, uint64(1), e.Message.Timestamp)
		assert.Len(t, consumer2.Events(), 0)

		// The replaced consumer is released.
		select {
		case <-consumer1.Done():
		default:
			t.Fatal("expected replaced consumer to be released")
		}

		assert.Equal(t, float64(2), testutil.ToFloat64(m.Metrics().Registrations))
	})

	t.Run("consumer failure", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		_, errCh := runMux(t, m)

		send[Consumer](t, s.Register, &failingConsumer{err: errors.New("closed")})
		// Dropped as the consumer fails.
		send(t, s.Local, message.Payload{Timestamp: 1})

		// The loop must keep running and wait for a new consumer.
		localSent := make(chan struct{})
		go func() {
			s.Local <- message.Payload{Timestamp: 2}
			close(localSent)
		}()

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		e := nextEvent(t, consumer)
		assert.Equal(t, uint64(2), e.Message.Timestamp)
		<-localSent

		assert.Equal(t, float64(1), testutil.ToFloat64(
			m.Metrics().EventsDropped.WithLabelValues("consumer"),
		))

		select {
		case err := <-errCh:
			t.Fatalf("unexpected exit: %v", err)
		default:
		}
	})

	t.Run("closed consumer", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)
		consumer.Close()

		send(t, s.Local, message.Payload{Timestamp: 1})

		assert.Eventually(t, func() bool {
			return !m.ConsumerAttached()
		}, time.Second, time.Millisecond*10)
	})

	t.Run("stuck consumer", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Millisecond*10, log.NewNopLogger())
		runMux(t, m)

		// Unbuffered and never read.
		consumer := NewChanConsumer(0)
		send[Consumer](t, s.Register, consumer)

		send(t, s.Local, message.Payload{Timestamp: 1})

		assert.Eventually(t, func() bool {
			return !m.ConsumerAttached()
		}, time.Second, time.Millisecond*10)
	})
}

func TestMultiplexer_Drop(t *testing.T) {
	t.Run("decode failure", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		send(t, s.Topic, event.TopicEvent{
			Kind:   event.TopicEventGossip,
			Topic:  topic.App,
			Origin: remoteKey,
			Data:   []byte{0xff, 0x01},
		})
		send(t, s.Topic, event.TopicEvent{
			Kind:   event.TopicEventGossip,
			Topic:  topic.App,
			Origin: remoteKey,
			Data:   encode(t, message.Payload{Timestamp: 3}),
		})

		e := nextEvent(t, consumer)
		assert.Equal(t, uint64(3), e.Message.Timestamp)
		assert.Equal(t, float64(1), testutil.ToFloat64(
			m.Metrics().EventsDropped.WithLabelValues("decode"),
		))
		// A decode failure doesn't affect the consumer.
		assert.True(t, m.ConsumerAttached())
	})

	t.Run("sync topic event", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)

		send(t, s.Topic, event.TopicEvent{
			Kind:   event.TopicEventSync,
			Topic:  topic.App,
			Origin: remoteKey,
			Data:   encode(t, message.Payload{Timestamp: 4}),
		})
		send(t, s.Local, message.Payload{Timestamp: 5})

		e := nextEvent(t, consumer)
		assert.Equal(t, uint64(5), e.Message.Timestamp)
		assert.Equal(t, float64(1), testutil.ToFloat64(
			m.Metrics().EventsDropped.WithLabelValues("sync"),
		))
	})
}

func TestMultiplexer_Shutdown(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		cancel, errCh := runMux(t, m)

		consumer := NewChanConsumer(10)
		send[Consumer](t, s.Register, consumer)
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}
		assert.False(t, m.ConsumerAttached())
		<-consumer.Done()
	})

	t.Run("cancel waiting for consumer", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		cancel, errCh := runMux(t, m)

		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}
	})

	t.Run("sources closed", func(t *testing.T) {
		s := newSources()
		m := New(s.Sources(), localKey, time.Second, log.NewNopLogger())
		_, errCh := runMux(t, m)

		send[Consumer](t, s.Register, NewChanConsumer(10))
		close(s.System)
		close(s.Topic)
		close(s.Local)
		close(s.Register)

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}
	})
}
