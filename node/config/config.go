package config

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/pflag"

	"github.com/andydunstall/samplemesh/pkg/log"
)

type NodeConfig struct {
	// IdentityPath is the path of the file containing the nodes private key.
	// If empty, a new identity is generated each time the node starts.
	IdentityPath string `json:"identity_path" yaml:"identity_path"`

	// QueueSize is the capacity of the local publish and consumer
	// registration queues.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// ForwardTimeout is the maximum duration to deliver an event to the
	// consumer before the consumer is unregistered.
	ForwardTimeout time.Duration `json:"forward_timeout" yaml:"forward_timeout"`
}

func (c *NodeConfig) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("missing queue size")
	}
	if c.ForwardTimeout == 0 {
		return fmt.Errorf("missing forward timeout")
	}
	return nil
}

func (c *NodeConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.IdentityPath,
		"node.identity-path",
		c.IdentityPath,
		`
Path to the file containing the nodes private key.

If the file doesn't exist a new key is generated and written to the path, so
the node keeps the same public key across restarts.

If unset, the node generates a new identity each time it starts.`,
	)

	fs.IntVar(
		&c.QueueSize,
		"node.queue-size",
		c.QueueSize,
		`
The capacity of the queues of locally published messages and consumer
registrations.

When the queue is full, publishing blocks until there is capacity.`,
	)

	fs.DurationVar(
		&c.ForwardTimeout,
		"node.forward-timeout",
		c.ForwardTimeout,
		`
Maximum duration to deliver an event to the consumer.

If the consumer doesn't accept the event in time, it is unregistered and the
node waits for a new consumer to register.`,
	)
}

type SyncConfig struct {
	// Delay is the simulated sync work the initiator performs between the
	// topic query and done messages.
	Delay time.Duration `json:"delay" yaml:"delay"`

	// Timeout is the maximum duration of a sync session.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// ResyncInterval is the interval to sync with each topic neighbor.
	ResyncInterval time.Duration `json:"resync_interval" yaml:"resync_interval"`
}

func (c *SyncConfig) Validate() error {
	if c.Timeout == 0 {
		return fmt.Errorf("missing timeout")
	}
	if c.Delay >= c.Timeout {
		return fmt.Errorf("delay must be less than timeout")
	}
	if c.ResyncInterval == 0 {
		return fmt.Errorf("missing resync interval")
	}
	return nil
}

func (c *SyncConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.Delay,
		"sync.delay",
		c.Delay,
		`
Duration of the simulated sync work performed by the initiating node.`,
	)

	fs.DurationVar(
		&c.Timeout,
		"sync.timeout",
		c.Timeout,
		`
Maximum duration of a sync session.

The session is aborted if the peer doesn't complete the handshake in time.`,
	)

	fs.DurationVar(
		&c.ResyncInterval,
		"sync.resync-interval",
		c.ResyncInterval,
		`
The interval to sync with each topic neighbor.

Nodes also sync with a neighbor as soon as it joins the topic.`,
	)
}

type OverlayConfig struct {
	// ListenAddrs are the multiaddrs to listen for peer connections.
	ListenAddrs []string `json:"listen_addrs" yaml:"listen_addrs"`

	// Bootstrap contains the multiaddrs of peers to connect to on startup,
	// including the peer ID, such as
	// '/ip4/10.26.104.14/tcp/4001/p2p/12D3KooW...'.
	Bootstrap []string `json:"bootstrap" yaml:"bootstrap"`

	// MDNS enables local network peer discovery.
	MDNS bool `json:"mdns" yaml:"mdns"`

	// BroadcastRate is the maximum number of messages per second to
	// broadcast.
	BroadcastRate float64 `json:"broadcast_rate" yaml:"broadcast_rate"`

	// BroadcastBurst is the maximum burst of messages to broadcast.
	BroadcastBurst int `json:"broadcast_burst" yaml:"broadcast_burst"`

	// ConnLowWater and ConnHighWater bound the number of peer connections.
	ConnLowWater  int `json:"conn_low_water" yaml:"conn_low_water"`
	ConnHighWater int `json:"conn_high_water" yaml:"conn_high_water"`
}

func (c *OverlayConfig) Validate() error {
	if len(c.ListenAddrs) == 0 {
		return fmt.Errorf("missing listen addrs")
	}
	for _, addr := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen addr: %s: %w", addr, err)
		}
	}
	for _, addr := range c.Bootstrap {
		if _, err := peer.AddrInfoFromString(addr); err != nil {
			return fmt.Errorf("invalid bootstrap addr: %s: %w", addr, err)
		}
	}
	if c.BroadcastRate <= 0 {
		return fmt.Errorf("missing broadcast rate")
	}
	if c.BroadcastBurst <= 0 {
		return fmt.Errorf("missing broadcast burst")
	}
	if c.ConnLowWater <= 0 || c.ConnHighWater < c.ConnLowWater {
		return fmt.Errorf("invalid connection watermarks: %d-%d", c.ConnLowWater, c.ConnHighWater)
	}
	return nil
}

func (c *OverlayConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(
		&c.ListenAddrs,
		"overlay.listen-addrs",
		c.ListenAddrs,
		`
The multiaddrs to listen for connections from other nodes.

Such as '/ip4/0.0.0.0/tcp/4001' listens on TCP port 4001 on all interfaces.
Use port 0 to select a random port.`,
	)

	fs.StringSliceVar(
		&c.Bootstrap,
		"overlay.bootstrap",
		c.Bootstrap,
		`
Multiaddrs of known nodes to connect to on startup.

Each address must include the peer ID of the node, such as
'/ip4/10.26.104.14/tcp/4001/p2p/12D3KooW...'. Failed connections are retried
with backoff.`,
	)

	fs.BoolVar(
		&c.MDNS,
		"overlay.mdns",
		c.MDNS,
		`
Whether to discover other nodes on the local network using mDNS.`,
	)

	fs.Float64Var(
		&c.BroadcastRate,
		"overlay.broadcast-rate",
		c.BroadcastRate,
		`
Maximum number of messages per second to broadcast to the topic.`,
	)

	fs.IntVar(
		&c.BroadcastBurst,
		"overlay.broadcast-burst",
		c.BroadcastBurst,
		`
Maximum number of messages to broadcast in a burst above the broadcast rate.`,
	)

	fs.IntVar(
		&c.ConnLowWater,
		"overlay.conn-low-water",
		c.ConnLowWater,
		`
Number of peer connections to trim down to once the high watermark is
exceeded.`,
	)

	fs.IntVar(
		&c.ConnHighWater,
		"overlay.conn-high-water",
		c.ConnHighWater,
		`
Number of peer connections above which connections are trimmed.`,
	)
}

type ServerConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP connections.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address clients use to reach the server.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// AccessLog indicates whether to log all incoming requests. Requests
	// that fail with a server error are always logged.
	AccessLog bool `json:"access_log" yaml:"access_log"`

	TLS TLSConfig `json:"tls" yaml:"tls"`
}

func (c *ServerConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func (c *ServerConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"server.bind-addr",
		c.BindAddr,
		`
The host/port to bind the server to.

The server exposes the publish and events API, as well as endpoints for
health, metrics and inspecting the node status.

If the host is unspecified it defaults to all listeners, such as
'--server.bind-addr :8000' will listen on '0.0.0.0:8000'.`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		"server.advertise-addr",
		c.AdvertiseAddr,
		`
Server address to advertise in the node status.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8000') the nodes
private IP will be used, such as a bind address of ':8000' may have an
advertise address of '10.26.104.14:8000'.`,
	)

	fs.BoolVar(
		&c.AccessLog,
		"server.access-log",
		c.AccessLog,
		`
Whether to log all incoming requests. Requests that fail with a server error
are always logged.`,
	)

	c.TLS.RegisterFlags(fs, "server")
}

type Config struct {
	Node NodeConfig `json:"node" yaml:"node"`

	Sync SyncConfig `json:"sync" yaml:"sync"`

	Overlay OverlayConfig `json:"overlay" yaml:"overlay"`

	Server ServerConfig `json:"server" yaml:"server"`

	Log log.Config `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the node.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			QueueSize:      32,
			ForwardTimeout: time.Second * 10,
		},
		Sync: SyncConfig{
			Delay:          time.Second * 3,
			Timeout:        time.Second * 30,
			ResyncInterval: time.Second * 10,
		},
		Overlay: OverlayConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip4/0.0.0.0/udp/0/quic-v1",
			},
			MDNS:           true,
			BroadcastRate:  100,
			BroadcastBurst: 100,
			ConnLowWater:   50,
			ConnHighWater:  100,
		},
		Server: ServerConfig{
			BindAddr: ":8000",
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Second * 30,
	}
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Overlay.Validate(); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Node.RegisterFlags(fs)
	c.Sync.RegisterFlags(fs)
	c.Overlay.RegisterFlags(fs)
	c.Server.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the node.`,
	)
}
