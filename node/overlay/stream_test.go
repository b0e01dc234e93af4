package overlay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedStream(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	s := newTrackedStream(local)

	go func() {
		b := make([]byte, 5)
		_, _ = io.ReadFull(remote, b)
		_, _ = remote.Write([]byte("foo"))
	}()

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	b := make([]byte, 3)
	_, err = io.ReadFull(s, b)
	require.NoError(t, err)
	assert.Equal(t, "foo", string(b))

	assert.Equal(t, 5, s.NumBytesWritten())
	assert.Equal(t, 3, s.NumBytesRead())

	// Deadlines are passed through to the underlying stream.
	require.NoError(t, s.SetDeadline(time.Now()))
	_, err = s.Read(b)
	assert.Error(t, err)
}
