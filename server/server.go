// Package server exposes the node over HTTP.
//
// The server accepts published samples, streams delivered events to a
// WebSocket consumer and exposes endpoints for health, metrics and
// inspecting the node status.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andydunstall/samplemesh/node/config"
	"github.com/andydunstall/samplemesh/node/mux"
	"github.com/andydunstall/samplemesh/pkg/log"
	"github.com/andydunstall/samplemesh/pkg/middleware"
	"github.com/andydunstall/samplemesh/server/status"
)

const (
	// publishTimeout bounds how long a publish request waits for the node
	// to accept the message.
	publishTimeout = time.Second * 10
)

// Node is the node the server exposes.
type Node interface {
	Publish(ctx context.Context, timestamp uint64, sampleIndex uint16) error
	Register(ctx context.Context, consumer mux.Consumer) error
}

// Server is the node HTTP server.
type Server struct {
	node Node

	registry *prometheus.Registry

	httpServer *http.Server

	router *gin.Engine

	websocketUpgrader *websocket.Upgrader

	logger log.Logger
}

func NewServer(
	node Node,
	conf config.ServerConfig,
	tlsConfig *tls.Config,
	registry *prometheus.Registry,
	logger log.Logger,
) *Server {
	logger = logger.WithSubsystem("server")

	router := gin.New()
	server := &Server{
		node:     node,
		registry: registry,
		httpServer: &http.Server{
			Handler:   router,
			TLSConfig: tlsConfig,
			ErrorLog:  logger.StdLogger(zapcore.WarnLevel),
		},
		router:            router,
		websocketUpgrader: &websocket.Upgrader{},
		logger:            logger,
	}

	// Recover from panics.
	router.Use(gin.CustomRecoveryWithWriter(nil, server.panicRoute))

	router.Use(middleware.NewLogger(conf.AccessLog, logger))

	metrics := middleware.NewMetrics("server")
	if registry != nil {
		metrics.Register(registry)
	}
	router.Use(metrics.Handler())

	server.registerRoutes(router)

	return server
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info(
		"starting http server",
		zap.String("addr", ln.Addr().String()),
	)

	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown attempts to gracefully shutdown the server by waiting for pending
// requests to complete.
//
// Attached WebSocket consumers aren't tracked by the HTTP server so remain
// open until the node releases them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// AddStatus registers the status handler at '/status/<route>'.
func (s *Server) AddStatus(route string, handler status.Handler) {
	group := s.router.Group("/status").Group(route)
	handler.Register(group)
}

func (s *Server) registerRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.POST("/publish", s.publishRoute)
	v1.GET("/events", s.eventsRoute)

	router.GET("/health", s.healthRoute)

	if s.registry != nil {
		router.GET("/metrics", s.metricsHandler())
	}
}

func (s *Server) healthRoute(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) panicRoute(c *gin.Context, err any) {
	s.logger.Error(
		"handler panic",
		zap.String("path", c.FullPath()),
		zap.Any("err", err),
	)
	c.AbortWithStatus(http.StatusInternalServerError)
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(
		s.registry,
		promhttp.HandlerOpts{Registry: s.registry},
	)
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func init() {
	// Disable Gin debug logs.
	gin.SetMode(gin.ReleaseMode)
}
