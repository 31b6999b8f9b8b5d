package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/itskum47/Backplane/backplane/resilience"
)

// TraceLevel is the severity the hub client attaches to its diagnostics.
type TraceLevel int

const (
	TraceDebug TraceLevel = iota
	TraceInfo
	TraceWarning
	TraceError
)

func (l TraceLevel) String() string {
	switch l {
	case TraceDebug:
		return "debug"
	case TraceInfo:
		return "info"
	case TraceWarning:
		return "warning"
	default:
		return "error"
	}
}

// TraceFunc receives the client's diagnostic output.
type TraceFunc func(level TraceLevel, msg string, err error)

// Reconnect policy defaults.
const (
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 10 * time.Second
	DefaultServerTimeout   = 2 * time.Minute
	DefaultKeepAlive       = 15 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTrace routes diagnostics to fn.
func WithTrace(fn TraceFunc) ClientOption {
	return func(c *Client) { c.trace = fn }
}

// WithHeader adds request headers to the websocket handshake.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// WithServerTimeout sets how long the client waits for any server message
// before treating the connection as lost.
func WithServerTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.serverTimeout = d }
}

// WithKeepAlive sets the ping interval.
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *Client) { c.keepAlive = d }
}

// WithBackOff replaces the reconnect policy factory.
func WithBackOff(fn func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = fn }
}

// Client connects to a hub Server.
type Client struct {
	url           string
	header        http.Header
	dialer        *websocket.Dialer
	trace         TraceFunc
	serverTimeout time.Duration
	keepAlive     time.Duration
	newBackOff    func() backoff.BackOff

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	conn     *Conn
	onClosed []func(error)

	stopped atomic.Bool
}

// NewClient creates a client for the websocket url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		trace:         func(TraceLevel, string, error) {},
		serverTimeout: DefaultServerTimeout,
		keepAlive:     DefaultKeepAlive,
		newBackOff:    DefaultBackOff,
		handlers:      make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultBackOff is exponential between 2s and 10s and never gives up.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialInterval
	b.MaxInterval = DefaultMaxInterval
	b.RandomizationFactor = 0
	return b
}

// On registers a handler for invocations of target from the server.
func (c *Client) On(target string, fn HandlerFunc) {
	c.mu.Lock()
	c.handlers[target] = fn
	c.mu.Unlock()
}

// OnClosed registers fn to run when an established connection is lost.
func (c *Client) OnClosed(fn func(error)) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Start connects, retrying with the reconnect policy until it succeeds or
// ctx is done.
func (c *Client) Start(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	c.stopped.Store(false)

	attempt := 0
	op := func() (struct{}, error) {
		if c.stopped.Load() {
			return struct{}{}, backoff.Permanent(ErrConnectionClosed)
		}
		attempt++
		return struct{}{}, c.dial(ctx)
	}
	notify := func(err error, next time.Duration) {
		c.trace(TraceError, fmt.Sprintf("connect attempt %d failed, retrying in %s", attempt, next), err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithNotify(notify),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) dial(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("hub: dial %s: %w", c.url, err)
	}

	conn := newConn(ws, c.lookup, c.serverTimeout, c.trace)
	conn.onClose = c.handleClose

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.start(c.keepAlive)
	c.trace(TraceInfo, "connected to "+c.url, nil)
	return nil
}

func (c *Client) lookup(target string) (HandlerFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[target]
	return h, ok
}

func (c *Client) handleClose(conn *Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	listeners := append([]func(error){}, c.onClosed...)
	c.mu.Unlock()

	if err != nil && !c.stopped.Load() {
		c.trace(TraceWarning, "connection closed", err)
	}
	for _, fn := range listeners {
		fn(err)
	}
}

func (c *Client) current() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, resilience.ErrNotConnected
	}
	return c.conn, nil
}

// Invoke calls target on the server and returns the raw result.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) (gojson.RawMessage, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Invoke(ctx, target, args...)
}

// Send invokes target on the server without waiting for completion.
func (c *Client) Send(ctx context.Context, target string, args ...any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Send(ctx, target, args...)
}

// Stop closes the connection and aborts a pending Start.
func (c *Client) Stop() error {
	c.stopped.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(nil)
	}
	return nil
}

// IsClosedError reports whether err came from a closed or missing connection.
func IsClosedError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, resilience.ErrNotConnected)
}
