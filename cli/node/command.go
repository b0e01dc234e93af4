package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/samplemesh/node"
	"github.com/andydunstall/samplemesh/node/config"
	"github.com/andydunstall/samplemesh/node/overlay"
	pkgconfig "github.com/andydunstall/samplemesh/pkg/config"
	"github.com/andydunstall/samplemesh/pkg/log"
	"github.com/andydunstall/samplemesh/server"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a node",
		Long: `Start a node.

The node joins the overlay network and subscribes to the application topic.
Samples published to the node are echoed to the local consumer and broadcast
to the topic. Samples received from the topic, along with overlay status
events, are forwarded to the local consumer.

Events aren't forwarded until a consumer attaches, using 'samplemesh events'
or the '/v1/events' WebSocket API.

Nodes on the same network discover each other using mDNS. Use
'--overlay.bootstrap' to connect to nodes on other networks.

Examples:
  # Start a node.
  samplemesh node

  # Start a node, listening for API requests on :7000.
  samplemesh node --server.bind-addr :7000

  # Start a node and connect to an existing node.
  samplemesh node --overlay.bootstrap /ip4/10.26.104.14/tcp/4001/p2p/12D3KooWKmZ...

  # Start a node keeping its identity across restarts.
  samplemesh node --node.identity-path /var/lib/samplemesh/identity.key
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := pkgconfig.Load(configPath, conf, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Log.Libp2pLevel != "" {
			if err := overlay.SetLibp2pLogLevel(conf.Log.Libp2pLevel); err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
		}

		if conf.Server.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Server.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Server.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting samplemesh node", zap.Any("conf", conf))

	registry := prometheus.NewRegistry()

	tlsConfig, err := conf.Server.TLS.Load()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}

	ln, err := net.Listen("tcp", conf.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("listen: %s: %w", conf.Server.BindAddr, err)
	}

	n, err := node.New(conf, registry, logger)
	if err != nil {
		ln.Close()
		return fmt.Errorf("node: %w", err)
	}

	s := server.NewServer(n, conf.Server, tlsConfig, registry, logger)
	for route, handler := range n.StatusHandlers() {
		s.AddStatus(route, handler)
	}

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Server.
	group.Add(func() error {
		if err := s.Serve(ln); err != nil {
			return fmt.Errorf("server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracePeriod,
		)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown server", zap.Error(err))
		}

		logger.Info("server shut down")
	})

	// Node.
	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		<-nodeCtx.Done()
		return nil
	}, func(error) {
		// Closing the node leaves the overlay and releases the attached
		// consumer.
		if err := n.Close(); err != nil {
			logger.Warn("failed to close node", zap.Error(err))
		}
		nodeCancel()

		logger.Info("node shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
