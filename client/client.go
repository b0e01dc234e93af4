// Package client is a client for the node HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/andydunstall/samplemesh/client/config"
	"github.com/andydunstall/samplemesh/node"
	"github.com/andydunstall/samplemesh/node/event"
	"github.com/andydunstall/samplemesh/node/overlay"
	"github.com/andydunstall/samplemesh/pkg/status"
	"github.com/andydunstall/samplemesh/pkg/websocket"
)

type publishRequest struct {
	Timestamp   uint64 `json:"timestamp"`
	SampleIndex uint16 `json:"sample_index"`
}

type Client struct {
	httpClient *http.Client

	url *url.URL

	tlsConfig *tls.Config
}

// NewClient creates a client for the node server at url. tlsConfig may be
// nil to use the default TLS configuration for 'https' URLs.
func NewClient(url *url.URL, timeout time.Duration, tlsConfig *tls.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		url:       url,
		tlsConfig: tlsConfig,
	}
}

// NewClientFromConfig creates a client using the given validated config.
func NewClientFromConfig(conf *config.Config) (*Client, error) {
	u, err := url.Parse(conf.Server.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	tlsConfig, err := conf.Server.TLS.Load()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return NewClient(u, conf.Server.Timeout, tlsConfig), nil
}

// Publish publishes a sample to the node.
func (c *Client) Publish(ctx context.Context, timestamp uint64, sampleIndex uint16) error {
	b, err := json.Marshal(&publishRequest{
		Timestamp:   timestamp,
		SampleIndex: sampleIndex,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	r, err := c.request(ctx, http.MethodPost, "/v1/publish", bytes.NewReader(b))
	if err != nil {
		return err
	}
	r.Close()
	return nil
}

// Events attaches as the nodes consumer. Attaching replaces any existing
// consumer.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	u := new(url.URL)
	*u = *c.url

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fspath.Join(u.Path, "/v1/events")

	var opts []websocket.DialOption
	if c.tlsConfig != nil {
		opts = append(opts, websocket.WithTLSConfig(c.tlsConfig))
	}
	conn, err := websocket.Dial(ctx, u.String(), opts...)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &EventStream{
		conn: conn,
	}, nil
}

func (c *Client) Node(ctx context.Context) (*node.NodeStatus, error) {
	r, err := c.request(ctx, http.MethodGet, "/status/node", nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var status node.NodeStatus
	if err := json.NewDecoder(r).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

func (c *Client) OverlayTopics(ctx context.Context) ([]overlay.TopicStatus, error) {
	r, err := c.request(ctx, http.MethodGet, "/status/overlay/topics", nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var topics []overlay.TopicStatus
	if err := json.NewDecoder(r).Decode(&topics); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return topics, nil
}

func (c *Client) OverlayAddrs(ctx context.Context) ([]string, error) {
	r, err := c.request(ctx, http.MethodGet, "/status/overlay/addrs", nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var addrs []string
	if err := json.NewDecoder(r).Decode(&addrs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return addrs, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) request(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
) (io.ReadCloser, error) {
	u := new(url.URL)
	*u = *c.url
	u.Path = fspath.Join(u.Path, path)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		// The server returns an error message in the body, though the body
		// may be empty or not JSON if the error didn't come from the server.
		errorInfo := status.NewErrorInfo(resp.StatusCode, "")
		_ = json.NewDecoder(resp.Body).Decode(errorInfo)
		errorInfo.StatusCode = resp.StatusCode
		return nil, fmt.Errorf("request: %w", errorInfo)
	}

	return resp.Body, nil
}

// EventStream reads the events delivered to the attached consumer.
type EventStream struct {
	conn *websocket.Conn
}

// Next blocks until the next event is delivered. Returns io.EOF once the node
// closes the stream, such as when another consumer attaches.
func (s *EventStream) Next() (*event.Event, error) {
	var e event.Event
	if err := s.conn.ReadJSON(&e); err != nil {
		if websocket.IsClosed(err) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return &e, nil
}

func (s *EventStream) Close() error {
	return s.conn.Close()
}
