package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// retryableStatusCodes contains a set of HTTP status codes that should be
// retried.
var retryableStatusCodes = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// RetryableError indicates a error is retryable.
type RetryableError struct {
	err error
}

func NewRetryableError(err error) *RetryableError {
	return &RetryableError{err}
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

// IsRetryable returns whether err, or an error it wraps, is a
// RetryableError.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// IsClosed returns whether err indicates the peer closed the connection.
func IsClosed(err error) bool {
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
	)
}

type dialOptions struct {
	header    http.Header
	tlsConfig *tls.Config
}

type DialOption interface {
	apply(*dialOptions)
}

type headerOption struct {
	key   string
	value string
}

func (o headerOption) apply(opts *dialOptions) {
	opts.header.Set(o.key, o.value)
}

// WithHeader sets a header on the upgrade request.
func WithHeader(key, value string) DialOption {
	return headerOption{key: key, value: value}
}

type tlsConfigOption struct {
	TLSConfig *tls.Config
}

func (o tlsConfigOption) apply(opts *dialOptions) {
	opts.tlsConfig = o.TLSConfig
}

func WithTLSConfig(config *tls.Config) DialOption {
	return tlsConfigOption{TLSConfig: config}
}

// Conn is a WebSocket connection carrying JSON encoded text messages.
//
// Conn supports one concurrent reader and one concurrent writer. Close may be
// called concurrently with either.
type Conn struct {
	wsConn *websocket.Conn

	closeOnce sync.Once
}

func New(wsConn *websocket.Conn) *Conn {
	return &Conn{
		wsConn: wsConn,
	}
}

func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	options := dialOptions{
		header: make(http.Header),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
	}
	if options.tlsConfig != nil {
		dialer.TLSClientConfig = options.tlsConfig
	}

	wsConn, resp, err := dialer.DialContext(
		ctx, url, options.header,
	)
	if err != nil {
		if resp != nil {
			if _, ok := retryableStatusCodes[resp.StatusCode]; ok {
				return nil, NewRetryableError(err)
			}
			return nil, fmt.Errorf("%d: %w", resp.StatusCode, err)
		}
		return nil, NewRetryableError(err)
	}
	return New(wsConn), nil
}

// ReadJSON reads the next message and decodes it into v.
func (c *Conn) ReadJSON(v any) error {
	mt, b, err := c.wsConn.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("unexpected message type: %d", mt)
	}
	return json.Unmarshal(b, v)
}

// WriteJSON writes v as a single JSON text message.
func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return c.wsConn.WriteMessage(websocket.TextMessage, b)
}

// Discard reads and discards messages until the connection fails, such as
// when the peer closes.
func (c *Conn) Discard() error {
	for {
		if _, _, err := c.wsConn.NextReader(); err != nil {
			return err
		}
	}
}

// CloseWithReason sends a close message with the given reason then closes
// the connection.
func (c *Conn) CloseWithReason(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// Best effort, the peer may have already gone.
		_ = c.wsConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second),
		)
		err = c.wsConn.Close()
	})
	return err
}

func (c *Conn) Close() error {
	return c.CloseWithReason("")
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.wsConn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.wsConn.SetWriteDeadline(t)
}
