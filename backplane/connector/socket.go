package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
	"github.com/itskum47/Backplane/backplane/resilience"
	"github.com/itskum47/Backplane/backplane/wire"
)

// DefaultRetryDelay is the fixed pause between failed socket connect attempts.
const DefaultRetryDelay = 2 * time.Second

const transportSocket = "socket"

// SocketTransport reaches the relay over one TCP connection framed with the
// wire codec.
type SocketTransport struct {
	address  string
	codec    *wire.Codec
	log      *logger.Logger
	dialer   net.Dialer
	resolver *net.Resolver
	limiter  *rate.Limiter

	// sem admits one connect attempt at a time. The close handler takes it too
	// so a disconnect is reported before a new attempt starts.
	sem chan struct{}

	mu        sync.Mutex
	targets   targetSet
	channel   *Channel
	listeners []func(error)

	connected atomic.Bool
	closed    atomic.Bool
}

// SocketOption configures a SocketTransport.
type SocketOption func(*SocketTransport)

// WithRetryDelay overrides the pause between failed connect attempts.
func WithRetryDelay(d time.Duration) SocketOption {
	return func(t *SocketTransport) {
		t.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithCodec overrides the wire codec.
func WithCodec(c *wire.Codec) SocketOption {
	return func(t *SocketTransport) {
		t.codec = c
	}
}

// WithDialTimeout bounds a single dial.
func WithDialTimeout(d time.Duration) SocketOption {
	return func(t *SocketTransport) {
		t.dialer.Timeout = d
	}
}

// NewSocketTransport creates a transport for address (host:port). The host may
// be a literal IP or a name resolved on each attempt.
func NewSocketTransport(address string, log *logger.Logger, opts ...SocketOption) *SocketTransport {
	if log == nil {
		log = logger.Nop()
	}
	t := &SocketTransport{
		address:  address,
		codec:    wire.NewCodec(nil),
		log:      log.WithComponent("connector.socket"),
		resolver: net.DefaultResolver,
		limiter:  rate.NewLimiter(rate.Every(DefaultRetryDelay), 1),
		sem:      make(chan struct{}, 1),
	}
	t.dialer.Timeout = 10 * time.Second
	t.dialer.KeepAlive = 15 * time.Second
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SocketTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *SocketTransport) AddTarget(method string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targets.add(method, h)
}

func (t *SocketTransport) OnDisconnected(fn func(err error)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// AttemptConnect dials until a connection is established or ctx is done.
func (t *SocketTransport) AttemptConnect(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()

	// A caller that queued behind a successful attempt has nothing left to do.
	if t.connected.Load() {
		return nil
	}

	for attempt := 1; ; attempt++ {
		if t.closed.Load() {
			return net.ErrClosed
		}
		if err := t.limiter.Wait(ctx); err != nil {
			// The next attempt would land past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}

		err := t.connectOnce(ctx)
		if err == nil {
			observability.ConnectorConnectAttempts.WithLabelValues(transportSocket, "success").Inc()
			t.log.Info("connected to relay", logger.Fields("address", t.address, "attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		observability.ConnectorConnectAttempts.WithLabelValues(transportSocket, "failure").Inc()
		t.log.Debug("connect attempt failed", logger.Fields("address", t.address, "attempt", attempt, logger.FieldError, err.Error()))
	}
}

func (t *SocketTransport) connectOnce(ctx context.Context) error {
	host, port, err := net.SplitHostPort(t.address)
	if err != nil {
		return fmt.Errorf("connector: invalid address %q: %w", t.address, err)
	}

	addrs := []string{host}
	if net.ParseIP(host) == nil {
		addrs, err = t.resolver.LookupHost(ctx, host)
		if err != nil {
			return fmt.Errorf("connector: resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("connector: resolve %s: no addresses", host)
		}
	}

	var conn net.Conn
	for _, ip := range addrs {
		conn, err = t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connector: dial %s: %w", t.address, err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return net.ErrClosed
	}
	ch := NewChannel(conn, t.codec, t.targets.freeze(), t.log)
	ch.OnClose(func(cause error) { t.handleClose(ch, cause) })
	t.channel = ch
	t.mu.Unlock()

	t.connected.Store(true)
	observability.ConnectorConnected.WithLabelValues(transportSocket).Set(1)
	ch.Start()
	return nil
}

// handleClose reports the loss of ch, then marks the transport disconnected.
func (t *SocketTransport) handleClose(ch *Channel, cause error) {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	t.mu.Lock()
	if t.channel != ch {
		t.mu.Unlock()
		return
	}
	listeners := append([]func(error){}, t.listeners...)
	t.mu.Unlock()

	observability.ConnectorDisconnects.WithLabelValues(transportSocket).Inc()
	if cause != nil {
		t.log.Warn("relay connection lost", logger.Fields("address", t.address, logger.FieldError, cause.Error()))
	} else {
		t.log.Info("relay connection closed", logger.Fields("address", t.address))
	}
	for _, fn := range listeners {
		fn(cause)
	}

	t.mu.Lock()
	t.channel = nil
	t.mu.Unlock()
	t.connected.Store(false)
	observability.ConnectorConnected.WithLabelValues(transportSocket).Set(0)
}

func (t *SocketTransport) current() *Channel {
	if !t.connected.Load() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

// Invoke calls method on the relay. A socket failure closes the connection
// before the error is returned.
func (t *SocketTransport) Invoke(ctx context.Context, method string, args ...any) (*wire.Result, error) {
	ch := t.current()
	if ch == nil {
		return nil, resilience.ErrNotConnected
	}
	res, err := ch.Invoke(ctx, method, args...)
	if err != nil && isConnectionFailure(ctx, err) {
		ch.Close(err)
	}
	return res, err
}

func (t *SocketTransport) Send(ctx context.Context, method string, args ...any) error {
	ch := t.current()
	if ch == nil {
		return resilience.ErrNotConnected
	}
	err := ch.Notify(ctx, method, args...)
	if err != nil && isConnectionFailure(ctx, err) {
		ch.Close(err)
	}
	return err
}

// Close drops the connection and stops further connect attempts.
func (t *SocketTransport) Close() error {
	t.closed.Store(true)
	t.mu.Lock()
	ch := t.channel
	t.mu.Unlock()
	if ch != nil {
		ch.Close(nil)
	}
	return nil
}

// isConnectionFailure separates socket-level errors from failures that leave
// the connection usable.
func isConnectionFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var remote *resilience.RemoteError
	if errors.As(err, &remote) {
		return false
	}
	var enc *EncodeError
	return !errors.As(err, &enc)
}
