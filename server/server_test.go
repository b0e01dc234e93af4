package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/samplemesh/node"
	"github.com/andydunstall/samplemesh/node/config"
	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/identity"
	"github.com/andydunstall/samplemesh/node/message"
	"github.com/andydunstall/samplemesh/node/mux"
	"github.com/andydunstall/samplemesh/pkg/log"
	"github.com/andydunstall/samplemesh/pkg/testutil"
	"github.com/andydunstall/samplemesh/pkg/websocket"
	"github.com/andydunstall/samplemesh/server/status"
)

type published struct {
	Timestamp   uint64
	SampleIndex uint16
}

type fakeNode struct {
	mu        sync.Mutex
	published []published
	err       error

	registerCh chan mux.Consumer
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		registerCh: make(chan mux.Consumer),
	}
}

func (n *fakeNode) Publish(_ context.Context, timestamp uint64, sampleIndex uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return n.err
	}
	n.published = append(n.published, published{
		Timestamp:   timestamp,
		SampleIndex: sampleIndex,
	})
	return nil
}

func (n *fakeNode) Register(ctx context.Context, consumer mux.Consumer) error {
	select {
	case n.registerCh <- consumer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *fakeNode) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.err = err
}

func (n *fakeNode) Published() []published {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]published(nil), n.published...)
}

type fakeStatus struct {
}

func (s *fakeStatus) Register(group *gin.RouterGroup) {
	group.GET("/foo", s.fooRoute)
}

func (s *fakeStatus) fooRoute(c *gin.Context) {
	c.String(http.StatusOK, "foo")
}

var _ status.Handler = &fakeStatus{}

func startServer(t *testing.T, n Node, statuses ...string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(
		n,
		config.ServerConfig{},
		nil,
		prometheus.NewRegistry(),
		log.NewNopLogger(),
	)
	for _, route := range statuses {
		s.AddStatus(route, &fakeStatus{})
	}
	go func() {
		require.NoError(t, s.Serve(ln))
	}()
	t.Cleanup(func() {
		_ = s.Shutdown(context.TODO())
	})

	return ln.Addr().String()
}

func publish(t *testing.T, addr string, body string) *http.Response {
	url := fmt.Sprintf("http://%s/v1/publish", addr)
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func TestServer_Publish(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		n := newFakeNode()
		addr := startServer(t, n)

		resp := publish(t, addr, `{"timestamp": 1000, "sample_index": 7}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, []published{
			{Timestamp: 1000, SampleIndex: 7},
		}, n.Published())
	})

	t.Run("zero values", func(t *testing.T) {
		n := newFakeNode()
		addr := startServer(t, n)

		resp := publish(t, addr, `{"timestamp": 0, "sample_index": 0}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, []published{{}}, n.Published())
	})

	t.Run("invalid request", func(t *testing.T) {
		n := newFakeNode()
		addr := startServer(t, n)

		tests := []struct {
			name string
			body string
		}{
			{"malformed", `{"timestamp": `},
			{"missing timestamp", `{"sample_index": 7}`},
			{"missing sample index", `{"timestamp": 1000}`},
			{"sample index overflow", `{"timestamp": 1000, "sample_index": 70000}`},
			{"negative timestamp", `{"timestamp": -1, "sample_index": 7}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := publish(t, addr, tt.body)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			})
		}

		assert.Empty(t, n.Published())
	})

	t.Run("node errors", func(t *testing.T) {
		tests := []struct {
			name       string
			err        error
			statusCode int
		}{
			{"closed", node.ErrClosed, http.StatusServiceUnavailable},
			{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
			{"broadcast", errors.New("broadcast: closed"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n := newFakeNode()
				n.setErr(fmt.Errorf("publish: %w", tt.err))
				addr := startServer(t, n)

				resp := publish(t, addr, `{"timestamp": 1000, "sample_index": 7}`)
				assert.Equal(t, tt.statusCode, resp.StatusCode)

				buf := new(bytes.Buffer)
				//nolint
				buf.ReadFrom(resp.Body)
				assert.Contains(t, buf.String(), `"error"`)
			})
		}
	})
}

func TestServer_Events(t *testing.T) {
	publicKey := identity.PublicKey{1, 2, 3}

	attach := func(t *testing.T) (*websocket.Conn, mux.Consumer) {
		n := newFakeNode()
		addr := startServer(t, n)

		url := fmt.Sprintf("ws://%s/v1/events", addr)
		conn, err := websocket.Dial(context.TODO(), url)
		require.NoError(t, err)
		t.Cleanup(func() {
			conn.Close()
		})

		select {
		case consumer := <-n.registerCh:
			return conn, consumer
		case <-time.After(time.Second * 5):
			t.Fatal("timeout")
		}
		return nil, nil
	}

	t.Run("deliver", func(t *testing.T) {
		conn, consumer := attach(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		m := message.New(publicKey, message.Payload{
			Timestamp:   1000,
			SampleIndex: 7,
		})
		require.NoError(t, consumer.Deliver(ctx, event.NewMessage(m)))
		require.NoError(t, consumer.Deliver(ctx, event.NewSystem(&event.SystemEvent{
			Kind:  event.KindOverlayJoined,
			Peers: []string{"P1", "P2"},
		})))

		var e event.Event
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, m, e.Message)

		require.NoError(t, conn.ReadJSON(&e))
		require.NotNil(t, e.System)
		assert.Equal(t, event.KindOverlayJoined, e.System.Kind)
		assert.Equal(t, []string{"P1", "P2"}, e.System.Peers)
	})

	t.Run("release closes connection", func(t *testing.T) {
		conn, consumer := attach(t)

		releaser, ok := consumer.(mux.Releaser)
		require.True(t, ok)
		releaser.Release()

		var e event.Event
		err := conn.ReadJSON(&e)
		assert.True(t, websocket.IsClosed(err))

		err = consumer.Deliver(context.Background(), event.NewSystem(&event.SystemEvent{
			Kind: event.KindOverlayLeft,
		}))
		assert.ErrorIs(t, err, mux.ErrConsumerClosed)
	})

	t.Run("client closed", func(t *testing.T) {
		conn, consumer := attach(t)

		conn.Close()

		// Once the server detects the close the consumer rejects events.
		assert.Eventually(t, func() bool {
			err := consumer.Deliver(context.Background(), event.NewSystem(&event.SystemEvent{
				Kind: event.KindOverlayLeft,
			}))
			return errors.Is(err, mux.ErrConsumerClosed)
		}, time.Second*5, time.Millisecond*10)
	})
}

func TestServer_Routes(t *testing.T) {
	addr := startServer(t, newFakeNode(), "/mystatus")

	t.Run("health", func(t *testing.T) {
		url := fmt.Sprintf("http://%s/health", addr)
		resp, err := http.Get(url)
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		url := fmt.Sprintf("http://%s/metrics", addr)
		resp, err := http.Get(url)
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		url := fmt.Sprintf("http://%s/status/mystatus/foo", addr)
		resp, err := http.Get(url)
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		buf := new(bytes.Buffer)
		//nolint
		buf.ReadFrom(resp.Body)
		assert.Equal(t, []byte("foo"), buf.Bytes())
	})

	t.Run("not found", func(t *testing.T) {
		url := fmt.Sprintf("http://%s/foo", addr)
		resp, err := http.Get(url)
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_TLS(t *testing.T) {
	localTLS, err := testutil.NewLocalTLS()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{localTLS.ServerCert},
	}

	s := NewServer(
		newFakeNode(),
		config.ServerConfig{},
		tlsConfig,
		prometheus.NewRegistry(),
		log.NewNopLogger(),
	)
	go func() {
		require.NoError(t, s.Serve(ln))
	}()
	defer s.Shutdown(context.TODO())

	t.Run("https", func(t *testing.T) {
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: localTLS.RootCAs,
				},
			},
		}

		url := fmt.Sprintf("https://%s/health", ln.Addr().String())
		resp, err := client.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown ca", func(t *testing.T) {
		url := fmt.Sprintf("https://%s/health", ln.Addr().String())
		_, err := http.Get(url)
		assert.Error(t, err)
	})
}
