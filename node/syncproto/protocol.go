// Package syncproto implements the pairwise synchronization protocol two
// nodes run when they meet on a topic.
//
// The overlay opens a bidirectional stream to the peer and runs Initiate on
// its side, while the peer runs Accept. The exchange is a topic query
// followed by a done message in each direction:
//
//	initiator                     acceptor
//	  topic-query(topic)   --->   handshake success(topic)
//	  (sync work)
//	  done                 --->
//	  handshake success
//	                       <---   done
//
// The sync work is a fixed delay, no application state is exchanged beyond
// the handshake itself.
package syncproto

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andydunstall/samplemesh/node/topic"
)

var (
	// ErrProtocolViolation indicates the peer sent a message that isn't
	// allowed at this point in the handshake.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnexpectedMessage indicates the peer sent a message of an unknown
	// type.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// Error is returned when a sync session fails. The session is aborted, though
// the error only affects that session.
type Error struct {
	Role Role
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync %s: %s", e.Role, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sink receives the outcome of the handshake so the overlay can mark the
// topic as synced with the peer.
type Sink interface {
	HandshakeSuccess(ctx context.Context, topic topic.ID) error
}

// Protocol is a sync protocol the overlay runs with each peer it meets on a
// topic.
type Protocol interface {
	// Name returns the protocol name and version. Peers negotiate the name
	// before running either role, so peers with different names never
	// sync.
	Name() string

	// Initiate runs the initiating side of the protocol for the given
	// topic.
	Initiate(ctx context.Context, topic topic.ID, rw io.ReadWriter, sink Sink) error

	// Accept runs the accepting side of the protocol.
	Accept(ctx context.Context, rw io.ReadWriter, sink Sink) error
}
