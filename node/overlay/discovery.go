package overlay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/pkg/backoff"
)

// discoveryNotifee handles peers found with mDNS.
type discoveryNotifee struct {
	overlay *Overlay
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.overlay.peerFound(info, "mdns")
}

// peerFound connects to a discovered peer. Gossipsub then exchanges topic
// subscriptions with the peer.
func (o *Overlay) peerFound(info peer.AddrInfo, source string) {
	if info.ID == o.host.ID() {
		return
	}

	o.mu.Lock()
	_, known := o.discovered[info.ID]
	o.discovered[info.ID] = struct{}{}
	o.mu.Unlock()

	if !known {
		o.metrics.PeersDiscovered.Inc()
		o.logger.Info(
			"peer discovered",
			zap.String("peer", info.ID.String()),
			zap.String("source", source),
		)
		o.emit(event.SystemEvent{
			Kind: event.KindPeerDiscovered,
			Peer: info.ID.String(),
		})
	}

	if o.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, connectTimeout)
	defer cancel()

	if err := o.host.Connect(ctx, info); err != nil {
		o.logger.Warn(
			"failed to connect to peer",
			zap.String("peer", info.ID.String()),
			zap.String("source", source),
			zap.Error(err),
		)
	}
}

// bootstrap connects to the bootstrap peer, retrying with backoff until
// the connection succeeds or the overlay is closed.
func (o *Overlay) bootstrap(info peer.AddrInfo) {
	defer o.wg.Done()

	b := backoff.New(0, time.Second, time.Minute)
	for {
		ctx, cancel := context.WithTimeout(o.ctx, connectTimeout)
		err := o.host.Connect(ctx, info)
		cancel()

		if err == nil {
			o.peerFound(info, "bootstrap")
			return
		}
		if o.ctx.Err() != nil {
			return
		}

		o.logger.Warn(
			"failed to connect to bootstrap peer; retrying",
			zap.String("peer", info.ID.String()),
			zap.Int("attempts", b.Attempts()+1),
			zap.Error(err),
		)

		if !b.Wait(o.ctx) {
			return
		}
	}
}
