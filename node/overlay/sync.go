package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/syncproto"
	"github.com/andydunstall/samplemesh/node/topic"
)

// SyncResult is the outcome of the last sync session with a peer.
type SyncResult struct {
	Role  syncproto.Role `json:"role"`
	Time  time.Time      `json:"time"`
	Error string         `json:"error,omitempty"`
}

// sessionSink records the topic the handshake succeeded for. The topic must
// be one the node is subscribed to.
type sessionSink struct {
	overlay *Overlay
	peer    peer.ID

	topic *topic.ID
	mu    sync.Mutex
}

func (s *sessionSink) HandshakeSuccess(_ context.Context, topicID topic.ID) error {
	if _, ok := s.overlay.membership(topicID); !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topicID.Short())
	}

	s.mu.Lock()
	s.topic = &topicID
	s.mu.Unlock()

	s.overlay.logger.Debug(
		"handshake success",
		zap.String("topic", topicID.Short()),
		zap.String("peer", s.peer.String()),
	)
	return nil
}

func (s *sessionSink) Topic() *topic.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

var _ syncproto.Sink = &sessionSink{}

// initiateSync starts a sync session with the peer, unless there is
// already an initiated session with that peer in-flight.
func (o *Overlay) initiateSync(topicID topic.ID, p peer.ID) {
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	if _, ok := o.syncing[p]; ok {
		o.mu.Unlock()
		return
	}
	o.syncing[p] = struct{}{}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.syncing, p)
			o.mu.Unlock()
		}()

		err := o.runInitiator(topicID, p)
		o.recordSync(&topicID, p, syncproto.RoleInitiator, err)
	}()
}

func (o *Overlay) runInitiator(topicID topic.ID, p peer.ID) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.syncConf.Timeout)
	defer cancel()

	o.emit(event.SystemEvent{
		Kind:  event.KindSyncStarted,
		Topic: &topicID,
		Peer:  p.String(),
	})

	stream, err := o.host.NewStream(ctx, p, o.protocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	_ = stream.SetDeadline(time.Now().Add(o.syncConf.Timeout))

	ts := newTrackedStream(stream)
	defer o.observeStream(ts)

	sink := &sessionSink{overlay: o, peer: p}
	if err := o.protocol.Initiate(ctx, topicID, ts, sink); err != nil {
		_ = stream.Reset()
		return err
	}
	return stream.Close()
}

func (o *Overlay) handleSyncStream(stream network.Stream) {
	p := stream.Conn().RemotePeer()

	ctx, cancel := context.WithTimeout(o.ctx, o.syncConf.Timeout)
	defer cancel()

	_ = stream.SetDeadline(time.Now().Add(o.syncConf.Timeout))

	// The topic isn't known until the initiator sends its query.
	o.emit(event.SystemEvent{
		Kind: event.KindSyncStarted,
		Peer: p.String(),
	})

	ts := newTrackedStream(stream)
	sink := &sessionSink{overlay: o, peer: p}
	err := o.protocol.Accept(ctx, ts, sink)
	o.observeStream(ts)

	if err != nil {
		_ = stream.Reset()
	} else {
		err = stream.Close()
	}
	o.recordSync(sink.Topic(), p, syncproto.RoleAcceptor, err)
}

// recordSync reports the outcome of a sync session.
func (o *Overlay) recordSync(
	topicID *topic.ID,
	p peer.ID,
	role syncproto.Role,
	err error,
) {
	result := &SyncResult{
		Role: role,
		Time: time.Now(),
	}
	kind := event.KindSyncCompleted
	if err != nil {
		result.Error = err.Error()
		kind = event.KindSyncFailed

		o.metrics.SyncSessions.WithLabelValues(string(role), "failed").Inc()
		o.logger.Warn(
			"sync failed",
			zap.String("peer", p.String()),
			zap.String("role", string(role)),
			zap.Error(err),
		)
	} else {
		o.metrics.SyncSessions.WithLabelValues(string(role), "completed").Inc()
		o.logger.Debug(
			"sync completed",
			zap.String("peer", p.String()),
			zap.String("role", string(role)),
		)
	}

	if topicID != nil {
		o.mu.Lock()
		if m, ok := o.topics[*topicID]; ok {
			if n, ok := m.neighbors[p]; ok {
				n.LastSync = result
			}
		}
		o.mu.Unlock()
	}

	o.emit(event.SystemEvent{
		Kind:  kind,
		Topic: topicID,
		Peer:  p.String(),
	})
}

func (o *Overlay) observeStream(s *trackedStream) {
	o.metrics.SyncBytesInbound.Add(float64(s.NumBytesRead()))
	o.metrics.SyncBytesOutbound.Add(float64(s.NumBytesWritten()))
}
