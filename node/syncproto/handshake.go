package syncproto

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/pkg/log"
)

// Name is the protocol name and version of Handshake.
const Name = "handshake_protocol_v1"

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Handshake is a sync protocol that completes the handshake but exchanges no
// application state. The sync work is simulated with a fixed delay.
type Handshake struct {
	delay time.Duration

	logger log.Logger
}

func NewHandshake(delay time.Duration, logger log.Logger) *Handshake {
	return &Handshake{
		delay:  delay,
		logger: logger.WithSubsystem("sync"),
	}
}

func (h *Handshake) Name() string {
	return Name
}

func (h *Handshake) Initiate(
	ctx context.Context,
	topicID topic.ID,
	rw io.ReadWriter,
	sink Sink,
) error {
	if err := h.initiate(ctx, topicID, rw, sink); err != nil {
		return &Error{Role: RoleInitiator, Err: err}
	}
	return nil
}

func (h *Handshake) Accept(
	ctx context.Context,
	rw io.ReadWriter,
	sink Sink,
) error {
	if err := h.accept(ctx, rw, sink); err != nil {
		return &Error{Role: RoleAcceptor, Err: err}
	}
	return nil
}

func (h *Handshake) initiate(
	ctx context.Context,
	topicID topic.ID,
	rw io.ReadWriter,
	sink Sink,
) error {
	stop := interruptOnDone(ctx, rw)
	defer stop()

	s := newStream(rw)
	defer s.Flush()

	if err := s.Send(topicQueryMessage(topicID)); err != nil {
		return fmt.Errorf("send topic query: %w", err)
	}

	h.logger.Debug(
		"sent topic query; syncing",
		zap.String("topic", topicID.Short()),
	)

	select {
	case <-time.After(h.delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Send(doneMessage()); err != nil {
		return fmt.Errorf("send done: %w", err)
	}
	if err := sink.HandshakeSuccess(ctx, topicID); err != nil {
		return fmt.Errorf("handshake success: %w", err)
	}

	for {
		m, err := s.Recv()
		if err != nil {
			return err
		}

		switch m.Type {
		case messageTypeTopicQuery:
			return fmt.Errorf(
				"%w: %s after handshake started", ErrProtocolViolation, m.Type,
			)
		case messageTypeDone:
			h.logger.Debug(
				"handshake complete",
				zap.String("topic", topicID.Short()),
			)
			return nil
		}
	}
}

func (h *Handshake) accept(
	ctx context.Context,
	rw io.ReadWriter,
	sink Sink,
) error {
	stop := interruptOnDone(ctx, rw)
	defer stop()

	s := newStream(rw)
	defer s.Flush()

	var succeeded bool
	for {
		m, err := s.Recv()
		if err != nil {
			return err
		}

		switch m.Type {
		case messageTypeTopicQuery:
			if succeeded {
				return fmt.Errorf(
					"%w: %s after handshake success", ErrProtocolViolation, m.Type,
				)
			}

			// Recv validates the topic size.
			topicID, _ := topic.FromBytes(m.Topic)
			if err := sink.HandshakeSuccess(ctx, topicID); err != nil {
				return fmt.Errorf("handshake success: %w", err)
			}
			succeeded = true

			h.logger.Debug(
				"received topic query",
				zap.String("topic", topicID.Short()),
			)
		case messageTypeDone:
			if err := s.Send(doneMessage()); err != nil {
				return fmt.Errorf("send done: %w", err)
			}
			return nil
		}
	}
}

// interruptOnDone unblocks pending reads and writes on rw when ctx is done,
// if rw supports deadlines.
func interruptOnDone(ctx context.Context, rw io.ReadWriter) func() bool {
	d, ok := rw.(deadliner)
	if !ok {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})
}

var _ Protocol = &Handshake{}
