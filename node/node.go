// Package node runs a single peer of the network.
//
// The node joins the application topic, relays locally published and
// network received messages, along with overlay status events, to the
// registered consumer.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node/config"
	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/message"
	"github.com/andydunstall/samplemesh/node/mux"
	"github.com/andydunstall/samplemesh/node/overlay"
	"github.com/andydunstall/samplemesh/node/syncproto"
	"github.com/andydunstall/samplemesh/node/topic"
	"github.com/andydunstall/samplemesh/pkg/log"
)

var (
	ErrClosed = errors.New("node closed")
)

// overlayNetwork is the overlay the node joins.
type overlayNetwork interface {
	SystemEvents() <-chan event.SystemEvent
	Subscribe(topicID topic.ID) (<-chan event.TopicEvent, error)
	Publish(ctx context.Context, topicID topic.ID, data []byte) error
	ListenAddrs() []string
	Close() error
}

type Node struct {
	identity *identity.Identity

	overlay overlayNetwork
	// overlayStatus is nil unless the node runs a libp2p overlay.
	overlayStatus *overlay.Status

	// advertiseAddr is the address clients use to reach the nodes API.
	advertiseAddr string

	mux *mux.Multiplexer

	local    chan message.Payload
	register chan mux.Consumer

	cancel context.CancelFunc
	// done is closed once the multiplexer loop exits.
	done chan struct{}

	closed *atomic.Bool

	logger log.Logger
}

// New starts a node. It creates the identity, joins the overlay and
// subscribes to the application topic.
//
// Events aren't forwarded until a consumer registers.
func New(
	conf *config.Config,
	registry *prometheus.Registry,
	logger log.Logger,
) (*Node, error) {
	id, err := loadIdentity(conf.Node.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	ov, err := overlay.New(
		conf.Overlay,
		conf.Sync,
		id,
		syncproto.NewHandshake(conf.Sync.Delay, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	if registry != nil {
		ov.Metrics().Register(registry)
	}

	n, err := newNode(ov, id, conf.Node, registry, logger)
	if err != nil {
		_ = ov.Close()
		return nil, err
	}
	n.overlayStatus = overlay.NewStatus(ov)
	n.advertiseAddr = conf.Server.AdvertiseAddr
	return n, nil
}

func newNode(
	ov overlayNetwork,
	id *identity.Identity,
	conf config.NodeConfig,
	registry *prometheus.Registry,
	logger log.Logger,
) (*Node, error) {
	logger = logger.WithSubsystem("node")

	topicEvents, err := ov.Subscribe(topic.App)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %s: %w", topic.App.Short(), err)
	}

	local := make(chan message.Payload, conf.QueueSize)
	register := make(chan mux.Consumer, conf.QueueSize)

	m := mux.New(
		mux.Sources{
			System:   ov.SystemEvents(),
			Topic:    topicEvents,
			Local:    local,
			Register: register,
		},
		id.PublicKey(),
		conf.ForwardTimeout,
		logger,
	)
	if registry != nil {
		m.Metrics().Register(registry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		identity: id,
		overlay:  ov,
		mux:      m,
		local:    local,
		register: register,
		cancel:   cancel,
		done:     make(chan struct{}),
		closed:   atomic.NewBool(false),
		logger:   logger,
	}

	go func() {
		defer close(n.done)

		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("multiplexer stopped", zap.Error(err))
		}
	}()

	logger.Info(
		"node started",
		zap.String("public-key", id.PublicKey().String()),
		zap.String("topic", topic.App.Short()),
	)

	return n, nil
}

// Publish delivers the message to the local consumer and broadcasts it to
// the topic. The local echo and broadcast payload carry identical values.
//
// Publish blocks while the local queue is full, such as when no consumer is
// registered.
func (n *Node) Publish(ctx context.Context, timestamp uint64, sampleIndex uint16) error {
	if n.closed.Load() {
		return ErrClosed
	}

	p := message.Payload{
		Timestamp:   timestamp,
		SampleIndex: sampleIndex,
	}
	b, err := message.Encode(p)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	select {
	case n.local <- p:
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := n.overlay.Publish(ctx, topic.App, b); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// Register replaces the active consumer. Events delivered to the previous
// consumer are not replayed.
func (n *Node) Register(ctx context.Context, consumer mux.Consumer) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.register <- consumer:
		return nil
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) PublicKey() identity.PublicKey {
	return n.identity.PublicKey()
}

// Close leaves the overlay and stops relaying events.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Close the overlay first so the multiplexer has a chance to relay the
	// overlay left event.
	err := n.overlay.Close()

	n.cancel()
	<-n.done

	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	return nil
}

func loadIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return identity.Generate()
	}
	return identity.Load(path)
}
