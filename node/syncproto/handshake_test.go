package syncproto

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/pkg/log"
)

type recordingSink struct {
	topics []topic.ID
	err    error
	mu     sync.Mutex
}

func (s *recordingSink) HandshakeSuccess(_ context.Context, topicID topic.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.topics = append(s.topics, topicID)
	return nil
}

func (s *recordingSink) Topics() []topic.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]topic.ID(nil), s.topics...)
}

var _ Sink = &recordingSink{}

func TestHandshake_Name(t *testing.T) {
	h := NewHandshake(0, log.NewNopLogger())
	assert.Equal(t, "handshake_protocol_v1", h.Name())
}

func TestHandshake(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		initiatorConn, acceptorConn := net.Pipe()
		defer initiatorConn.Close()
		defer acceptorConn.Close()

		h := NewHandshake(time.Millisecond*10, log.NewNopLogger())

		initiatorSink := &recordingSink{}
		acceptorSink := &recordingSink{}

		var g errgroup.Group
		g.Go(func() error {
			return h.Initiate(
				context.Background(), topic.App, initiatorConn, initiatorSink,
			)
		})
		g.Go(func() error {
			return h.Accept(context.Background(), acceptorConn, acceptorSink)
		})
		require.NoError(t, g.Wait())

		// Each side must observe handshake success exactly once.
		assert.Equal(t, []topic.ID{topic.App}, initiatorSink.Topics())
		assert.Equal(t, []topic.ID{topic.App}, acceptorSink.Topics())
	})

	t.Run("cancelled during sync", func(t *testing.T) {
		initiatorConn, peerConn := net.Pipe()
		defer initiatorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			_, _ = peer.Recv()
			// Block until the pipe is closed.
			_, _ = peer.Recv()
		}()

		h := NewHandshake(time.Minute, log.NewNopLogger())

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
		defer cancel()

		sink := &recordingSink{}
		err := h.Initiate(ctx, topic.App, initiatorConn, sink)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, sink.Topics())
	})
}

func TestHandshake_AcceptErrors(t *testing.T) {
	t.Run("topic query after handshake success", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			_ = peer.Send(topicQueryMessage(topic.App))
			_ = peer.Send(topicQueryMessage(topic.App))
		}()

		h := NewHandshake(0, log.NewNopLogger())
		sink := &recordingSink{}
		err := h.Accept(context.Background(), acceptorConn, sink)

		var syncErr *Error
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, RoleAcceptor, syncErr.Role)
		assert.ErrorIs(t, err, ErrProtocolViolation)

		assert.Equal(t, []topic.ID{topic.App}, sink.Topics())
	})

	t.Run("unknown message type", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			_ = peer.Send(&syncMessage{Type: 9})
		}()

		h := NewHandshake(0, log.NewNopLogger())
		err := h.Accept(context.Background(), acceptorConn, &recordingSink{})
		assert.ErrorIs(t, err, ErrUnexpectedMessage)
	})

	t.Run("malformed message", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()
		defer peerConn.Close()

		go func() {
			// 0xc1 is never used in msgpack.
			_, _ = peerConn.Write([]byte{0xc1})
		}()

		h := NewHandshake(0, log.NewNopLogger())
		err := h.Accept(context.Background(), acceptorConn, &recordingSink{})

		var syncErr *Error
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, RoleAcceptor, syncErr.Role)
	})

	t.Run("invalid topic", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			_ = peer.Send(&syncMessage{
				Type:  messageTypeTopicQuery,
				Topic: []byte{1, 2, 3},
			})
		}()

		h := NewHandshake(0, log.NewNopLogger())
		sink := &recordingSink{}
		err := h.Accept(context.Background(), acceptorConn, sink)
		assert.Error(t, err)
		assert.Empty(t, sink.Topics())
	})

	t.Run("peer closed", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()

		go func() {
			peer := newStream(peerConn)
			_ = peer.Send(topicQueryMessage(topic.App))
			peerConn.Close()
		}()

		h := NewHandshake(0, log.NewNopLogger())
		err := h.Accept(context.Background(), acceptorConn, &recordingSink{})

		var syncErr *Error
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, RoleAcceptor, syncErr.Role)
	})

	t.Run("sink error", func(t *testing.T) {
		acceptorConn, peerConn := net.Pipe()
		defer acceptorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			_ = peer.Send(topicQueryMessage(topic.App))
		}()

		sinkErr := errors.New("unknown topic")
		h := NewHandshake(0, log.NewNopLogger())
		err := h.Accept(
			context.Background(), acceptorConn, &recordingSink{err: sinkErr},
		)
		assert.ErrorIs(t, err, sinkErr)
	})
}

func TestHandshake_InitiateErrors(t *testing.T) {
	t.Run("topic query after handshake started", func(t *testing.T) {
		initiatorConn, peerConn := net.Pipe()
		defer initiatorConn.Close()
		defer peerConn.Close()

		go func() {
			peer := newStream(peerConn)
			// Topic query then done.
			_, _ = peer.Recv()
			_, _ = peer.Recv()
			_ = peer.Send(topicQueryMessage(topic.App))
		}()

		h := NewHandshake(0, log.NewNopLogger())
		sink := &recordingSink{}
		err := h.Initiate(context.Background(), topic.App, initiatorConn, sink)

		var syncErr *Error
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, RoleInitiator, syncErr.Role)
		assert.ErrorIs(t, err, ErrProtocolViolation)

		// Success is signalled before waiting for the peers done.
		assert.Equal(t, []topic.ID{topic.App}, sink.Topics())
	})

	t.Run("peer closed", func(t *testing.T) {
		initiatorConn, peerConn := net.Pipe()
		defer initiatorConn.Close()

		go func() {
			peer := newStream(peerConn)
			_, _ = peer.Recv()
			peerConn.Close()
		}()

		h := NewHandshake(0, log.NewNopLogger())
		err := h.Initiate(
			context.Background(), topic.App, initiatorConn, &recordingSink{},
		)

		var syncErr *Error
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, RoleInitiator, syncErr.Role)
	})
}
