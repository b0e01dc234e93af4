package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/mux"
	"github.com/andydunstall/samplemesh/pkg/websocket"
)

// consumer writes delivered events to a WebSocket client as JSON messages.
type consumer struct {
	id string

	conn *websocket.Conn

	// closed is closed once the connection is closed, either by the client
	// or when the consumer is released.
	closed    chan struct{}
	closeOnce sync.Once
}

func newConsumer(id string, conn *websocket.Conn) *consumer {
	return &consumer{
		id:     id,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (c *consumer) ID() string {
	return c.id
}

func (c *consumer) Deliver(ctx context.Context, e event.Event) error {
	select {
	case <-c.closed:
		return mux.ErrConsumerClosed
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := c.conn.WriteJSON(e); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Release closes the connection once the node no longer forwards events to
// the consumer.
func (c *consumer) Release() {
	c.closeWithReason("consumer released")
}

// Wait reads from the connection until it is closed. Clients don't send
// messages, though reading is needed to process control frames.
func (c *consumer) Wait() error {
	err := c.conn.Discard()

	select {
	case <-c.closed:
		// Closed locally.
		return nil
	default:
	}

	c.closeWithReason("")
	if websocket.IsClosed(err) {
		return nil
	}
	return err
}

func (c *consumer) closeWithReason(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.CloseWithReason(reason)
	})
}

var _ mux.Consumer = &consumer{}
var _ mux.Releaser = &consumer{}

