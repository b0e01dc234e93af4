// Package overlay manages the nodes membership of the peer-to-peer network.
//
// The overlay is built on a libp2p host. Topic messages are broadcast with
// gossipsub, peers are found with mDNS and the configured bootstrap peers,
// and nodes run the sync protocol over a dedicated stream protocol with each
// neighbor they meet on a topic.
//
// Overlay status changes are reported as system events, which are dropped
// if the system event queue is full rather than blocking the overlay.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andydunstall/samplemesh/node/config"
	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/syncproto"
	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/pkg/log"
)

const (
	systemEventQueueSize = 64
	topicEventQueueSize  = 32

	connectTimeout = time.Second * 10
)

var (
	ErrClosed            = errors.New("overlay closed")
	ErrNotSubscribed     = errors.New("not subscribed to topic")
	ErrAlreadySubscribed = errors.New("already subscribed to topic")
)

// membership is the nodes membership of a topic.
type membership struct {
	topicID topic.ID

	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler

	events chan event.TopicEvent

	// neighbors contains the topic neighbors. Guarded by Overlay.mu.
	neighbors map[peer.ID]*neighbor

	// joined is true once the first neighbor joined. Guarded by Overlay.mu.
	joined bool
}

type neighbor struct {
	LastSync *SyncResult
}

type Overlay struct {
	host   host.Host
	pubsub *pubsub.PubSub
	mdns   mdns.Service

	protocol   syncproto.Protocol
	protocolID protocol.ID

	topics map[topic.ID]*membership

	// syncing contains peers with an in-flight initiated sync session.
	syncing map[peer.ID]struct{}

	// discovered contains peers found by discovery.
	discovered map[peer.ID]struct{}

	// mu protects the above fields.
	mu sync.Mutex

	systemEvents chan event.SystemEvent

	limiter *rate.Limiter

	conf     config.OverlayConfig
	syncConf config.SyncConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed *atomic.Bool

	metrics *Metrics

	logger log.Logger
}

// New starts the libp2p host listening on the configured addresses and
// starts discovering peers.
func New(
	conf config.OverlayConfig,
	syncConf config.SyncConfig,
	id *identity.Identity,
	proto syncproto.Protocol,
	logger log.Logger,
) (*Overlay, error) {
	logger = logger.WithSubsystem("overlay")

	cm, err := connmgr.NewConnManager(
		conf.ConnLowWater,
		conf.ConnHighWater,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("connmgr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(id.PrivKey()),
		libp2p.ListenAddrStrings(conf.ListenAddrs...),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ps, err := pubsub.NewGossipSub(
		ctx,
		h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	o := &Overlay{
		host:         h,
		pubsub:       ps,
		protocol:     proto,
		protocolID:   syncProtocolID(proto),
		topics:       make(map[topic.ID]*membership),
		syncing:      make(map[peer.ID]struct{}),
		discovered:   make(map[peer.ID]struct{}),
		systemEvents: make(chan event.SystemEvent, systemEventQueueSize),
		limiter: rate.NewLimiter(
			rate.Limit(conf.BroadcastRate), conf.BroadcastBurst,
		),
		conf:     conf,
		syncConf: syncConf,
		ctx:      ctx,
		cancel:   cancel,
		closed:   atomic.NewBool(false),
		metrics:  newMetrics(),
		logger:   logger,
	}

	h.SetStreamHandler(o.protocolID, o.handleSyncStream)

	if conf.MDNS {
		o.mdns = mdns.NewMdnsService(h, mdnsServiceName(), &discoveryNotifee{
			overlay: o,
		})
		if err := o.mdns.Start(); err != nil {
			_ = o.Close()
			return nil, fmt.Errorf("mdns: %w", err)
		}
	}

	for _, addr := range conf.Bootstrap {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			_ = o.Close()
			return nil, fmt.Errorf("bootstrap addr: %s: %w", addr, err)
		}
		o.wg.Add(1)
		go o.bootstrap(*info)
	}

	logger.Info(
		"started overlay",
		zap.String("peer-id", h.ID().String()),
		zap.Strings("listen-addrs", o.ListenAddrs()),
		zap.String("sync-protocol", string(o.protocolID)),
	)

	return o, nil
}

// Subscribe joins the topic and returns the inbound topic events.
//
// The returned channel is never closed. Events are dropped once the overlay
// is closed.
func (o *Overlay) Subscribe(topicID topic.ID) (<-chan event.TopicEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := o.topics[topicID]; ok {
		return nil, ErrAlreadySubscribed
	}

	t, err := o.pubsub.Join(topicID.Name())
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	handler, err := t.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = t.Close()
		return nil, fmt.Errorf("event handler: %w", err)
	}

	m := &membership{
		topicID:   topicID,
		topic:     t,
		sub:       sub,
		handler:   handler,
		events:    make(chan event.TopicEvent, topicEventQueueSize),
		neighbors: make(map[peer.ID]*neighbor),
	}
	o.topics[topicID] = m

	o.wg.Add(3)
	go o.readLoop(m)
	go o.peerLoop(m)
	go o.scheduleFunc(o.syncConf.ResyncInterval, func() {
		o.resync(m)
	})

	o.logger.Info("subscribed to topic", zap.String("topic", topicID.Short()))

	return m.events, nil
}

// Publish broadcasts the payload to the topic neighbors.
//
// Publish blocks if the broadcast rate limit is exceeded.
func (o *Overlay) Publish(ctx context.Context, topicID topic.ID, data []byte) error {
	m, ok := o.membership(topicID)
	if !ok {
		return ErrNotSubscribed
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if err := m.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	o.metrics.MessagesOutbound.Inc()
	return nil
}

// SystemEvents returns the overlay status notifications. The channel is
// never closed.
func (o *Overlay) SystemEvents() <-chan event.SystemEvent {
	return o.systemEvents
}

func (o *Overlay) PeerID() peer.ID {
	return o.host.ID()
}

// ListenAddrs returns the addresses other nodes can use to bootstrap from
// this node, including the peer ID.
func (o *Overlay) ListenAddrs() []string {
	p2p, err := multiaddr.NewMultiaddr("/p2p/" + o.host.ID().String())
	if err != nil {
		return nil
	}

	var addrs []string
	for _, addr := range o.host.Addrs() {
		addrs = append(addrs, addr.Encapsulate(p2p).String())
	}
	return addrs
}

func (o *Overlay) Metrics() *Metrics {
	return o.metrics
}

// Close leaves all topics and stops the host.
func (o *Overlay) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	var topics []*membership
	for _, m := range o.topics {
		topics = append(topics, m)
	}
	o.mu.Unlock()

	for _, m := range topics {
		m.handler.Cancel()
		m.sub.Cancel()

		topicID := m.topicID
		o.emit(event.SystemEvent{
			Kind:  event.KindOverlayLeft,
			Topic: &topicID,
		})
	}

	// Cancel while holding the mutex so no new sessions are started once
	// waiting for the running goroutines.
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()

	var errs []error
	if o.mdns != nil {
		if err := o.mdns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mdns: %w", err))
		}
	}

	o.wg.Wait()

	if err := o.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Overlay) readLoop(m *membership) {
	defer o.wg.Done()

	for {
		msg, err := m.sub.Next(o.ctx)
		if err != nil {
			// Either the overlay or subscription was closed.
			return
		}

		from := msg.GetFrom()
		// Ignore messages published by this node.
		if from == o.host.ID() {
			continue
		}

		origin, err := identity.PublicKeyFromPeerID(from)
		if err != nil {
			o.logger.Warn(
				"dropping message: unknown origin",
				zap.String("peer", from.String()),
				zap.Error(err),
			)
			continue
		}

		o.metrics.MessagesInbound.Inc()

		e := event.TopicEvent{
			Kind:   event.TopicEventGossip,
			Topic:  m.topicID,
			Origin: origin,
			Peer:   msg.ReceivedFrom.String(),
			Data:   msg.Data,
		}
		select {
		case m.events <- e:
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Overlay) peerLoop(m *membership) {
	defer o.wg.Done()

	for {
		pe, err := m.handler.NextPeerEvent(o.ctx)
		if err != nil {
			return
		}

		switch pe.Type {
		case pubsub.PeerJoin:
			o.neighborUp(m, pe.Peer)
		case pubsub.PeerLeave:
			o.neighborDown(m, pe.Peer)
		}
	}
}

func (o *Overlay) neighborUp(m *membership, p peer.ID) {
	topicID := m.topicID

	o.mu.Lock()
	if _, ok := m.neighbors[p]; ok {
		o.mu.Unlock()
		return
	}
	m.neighbors[p] = &neighbor{}
	numNeighbors := len(m.neighbors)

	if !m.joined {
		m.joined = true

		var peers []string
		for id := range m.neighbors {
			peers = append(peers, id.String())
		}
		o.emit(event.SystemEvent{
			Kind:  event.KindOverlayJoined,
			Topic: &topicID,
			Peers: peers,
		})
	}
	o.mu.Unlock()

	o.metrics.Neighbors.WithLabelValues(topicID.Short()).Set(float64(numNeighbors))

	o.logger.Debug(
		"neighbor up",
		zap.String("topic", topicID.Short()),
		zap.String("peer", p.String()),
	)
	o.emit(event.SystemEvent{
		Kind:  event.KindNeighborUp,
		Topic: &topicID,
		Peer:  p.String(),
	})

	o.initiateSync(topicID, p)
}

func (o *Overlay) neighborDown(m *membership, p peer.ID) {
	topicID := m.topicID

	o.mu.Lock()
	if _, ok := m.neighbors[p]; !ok {
		o.mu.Unlock()
		return
	}
	delete(m.neighbors, p)
	numNeighbors := len(m.neighbors)
	o.mu.Unlock()

	o.metrics.Neighbors.WithLabelValues(topicID.Short()).Set(float64(numNeighbors))

	o.logger.Debug(
		"neighbor down",
		zap.String("topic", topicID.Short()),
		zap.String("peer", p.String()),
	)
	o.emit(event.SystemEvent{
		Kind:  event.KindNeighborDown,
		Topic: &topicID,
		Peer:  p.String(),
	})
}

// resync initiates a sync session with each topic neighbor.
func (o *Overlay) resync(m *membership) {
	o.mu.Lock()
	var peers []peer.ID
	for p := range m.neighbors {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	for _, p := range peers {
		o.initiateSync(m.topicID, p)
	}
}

func (o *Overlay) membership(topicID topic.ID) (*membership, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.topics[topicID]
	return m, ok
}

// emit adds the event to the system event queue, or drops the event if the
// queue is full.
func (o *Overlay) emit(e event.SystemEvent) {
	select {
	case o.systemEvents <- e:
	default:
		o.metrics.SystemEventsDropped.Inc()
		o.logger.Warn(
			"dropping system event: queue full",
			zap.String("kind", string(e.Kind)),
		)
	}
}

func (o *Overlay) scheduleFunc(interval time.Duration, f func()) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
			select {
			case <-time.After(jitter):
				f()
			case <-o.ctx.Done():
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func syncProtocolID(proto syncproto.Protocol) protocol.ID {
	return protocol.ID(
		"/samplemesh/" + topic.Network.Short() + "/sync/" + proto.Name(),
	)
}

func mdnsServiceName() string {
	return "samplemesh-" + topic.Network.Short()
}
