package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/andydunstall/samplemesh/node/event"
)

var (
	ErrConsumerClosed = errors.New("consumer closed")
)

// Consumer is the downstream sink events are delivered to.
//
// Deliver is only ever called by the multiplexer loop, so implementations
// don't need to support concurrent deliveries. Returning an error
// unregisters the consumer.
type Consumer interface {
	Deliver(ctx context.Context, e event.Event) error
}

// Releaser is optionally implemented by a Consumer to be notified once it
// is unregistered, either as it was replaced, failed a delivery or the
// multiplexer stopped. Release is called by the multiplexer loop.
type Releaser interface {
	Release()
}

// ChanConsumer is an in-process consumer that buffers delivered events in a
// channel.
//
// The events channel is never closed, instead use Done to detect when the
// consumer is closed.
type ChanConsumer struct {
	ch   chan event.Event
	done chan struct{}

	closeOnce sync.Once
}

func NewChanConsumer(size int) *ChanConsumer {
	return &ChanConsumer{
		ch:   make(chan event.Event, size),
		done: make(chan struct{}),
	}
}

// Deliver blocks until the event is buffered, the consumer is closed or ctx
// is cancelled.
func (c *ChanConsumer) Deliver(ctx context.Context, e event.Event) error {
	select {
	case <-c.done:
		return ErrConsumerClosed
	default:
	}

	select {
	case c.ch <- e:
		return nil
	case <-c.done:
		return ErrConsumerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChanConsumer) Events() <-chan event.Event {
	return c.ch
}

func (c *ChanConsumer) Done() <-chan struct{} {
	return c.done
}

// Close closes the consumer so future deliveries fail. Buffered events can
// still be read.
func (c *ChanConsumer) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Release closes the consumer once it is unregistered.
func (c *ChanConsumer) Release() {
	c.Close()
}

var _ Consumer = &ChanConsumer{}
var _ Releaser = &ChanConsumer{}
