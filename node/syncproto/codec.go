package syncproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/andydunstall/samplemesh/node/topic"
)

type messageType uint8

const (
	messageTypeTopicQuery messageType = iota + 1
	messageTypeDone
)

func (t messageType) String() string {
	switch t {
	case messageTypeTopicQuery:
		return "topic-query"
	case messageTypeDone:
		return "done"
	default:
		return "unknown"
	}
}

type syncMessage struct {
	Type  messageType `codec:"type"`
	Topic []byte      `codec:"topic,omitempty"`
}

func topicQueryMessage(id topic.ID) *syncMessage {
	return &syncMessage{
		Type:  messageTypeTopicQuery,
		Topic: id[:],
	}
}

func doneMessage() *syncMessage {
	return &syncMessage{
		Type: messageTypeDone,
	}
}

// stream reads and writes msgpack encoded sync messages. Messages are
// self-delimiting so no additional framing is needed.
type stream struct {
	w       *bufio.Writer
	encoder *codec.Encoder
	decoder *codec.Decoder
}

func newStream(rw io.ReadWriter) *stream {
	var handle codec.MsgpackHandle
	w := bufio.NewWriter(rw)
	return &stream{
		w:       w,
		encoder: codec.NewEncoder(w, &handle),
		decoder: codec.NewDecoder(bufio.NewReader(rw), &handle),
	}
}

// Send writes the message and flushes so nothing is left buffered.
func (s *stream) Send(m *syncMessage) error {
	if err := s.encoder.Encode(m); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Recv reads the next message. The stream ending before the handshake
// completes is an io.ErrUnexpectedEOF.
func (s *stream) Recv() (*syncMessage, error) {
	var m syncMessage
	if err := s.decoder.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("decode: %w", err)
	}

	switch m.Type {
	case messageTypeTopicQuery:
		if len(m.Topic) != topic.Size {
			return nil, fmt.Errorf("decode: invalid topic size: %d", len(m.Topic))
		}
	case messageTypeDone:
	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnexpectedMessage, m.Type)
	}
	return &m, nil
}

func (s *stream) Flush() error {
	return s.w.Flush()
}
