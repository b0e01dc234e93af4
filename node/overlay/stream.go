package overlay

import (
	"io"
	"time"
)

type deadlineReadWriter interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
}

// trackedStream is a wrapper for the underlying stream that counts the
// number of bytes read and written.
type trackedStream struct {
	rw deadlineReadWriter

	read    int
	written int
}

func newTrackedStream(rw deadlineReadWriter) *trackedStream {
	return &trackedStream{
		rw: rw,
	}
}

func (s *trackedStream) Read(b []byte) (int, error) {
	n, err := s.rw.Read(b)
	s.read += n
	return n, err
}

func (s *trackedStream) Write(b []byte) (int, error) {
	n, err := s.rw.Write(b)
	s.written += n
	return n, err
}

// SetDeadline is passed through so the sync protocol can interrupt blocked
// reads and writes.
func (s *trackedStream) SetDeadline(t time.Time) error {
	return s.rw.SetDeadline(t)
}

func (s *trackedStream) NumBytesRead() int {
	return s.read
}

func (s *trackedStream) NumBytesWritten() int {
	return s.written
}

var _ io.ReadWriter = &trackedStream{}
