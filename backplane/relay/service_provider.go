// Package relay connects a service instance to a peer relay and implements
// the relay itself.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/Backplane/backplane/connector"
	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
	"github.com/itskum47/Backplane/backplane/resilience"
	"github.com/itskum47/Backplane/backplane/wire"
)

// MethodRegisterService announces a service instance to the relay.
const MethodRegisterService = "RegisterService"

// Defaults for EnsureConnected.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultMaxAttempts    = 5
)

// ServiceProvider wraps a transport with the registration handshake and a
// bounded wait for the connection.
type ServiceProvider struct {
	transport   connector.Transport
	serviceType string
	serviceID   string
	log         *logger.Logger

	connectTimeout time.Duration
	maxAttempts    int

	// attempts counts consecutive EnsureConnected timeouts. It is reset by a
	// successful connect and on every disconnect.
	mu       sync.Mutex
	attempts int
	inflight chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// ServiceProviderOption configures a ServiceProvider.
type ServiceProviderOption func(*ServiceProvider)

// WithConnectTimeout sets how long EnsureConnected waits for an attempt.
func WithConnectTimeout(d time.Duration) ServiceProviderOption {
	return func(p *ServiceProvider) { p.connectTimeout = d }
}

// WithMaxAttempts sets how many consecutive timeouts are tolerated before
// EnsureConnected fails fast.
func WithMaxAttempts(n int) ServiceProviderOption {
	return func(p *ServiceProvider) { p.maxAttempts = n }
}

// NewServiceProvider wraps t. Inbound targets must be added to t before Start.
func NewServiceProvider(t connector.Transport, serviceType, serviceID string, log *logger.Logger, opts ...ServiceProviderOption) *ServiceProvider {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ServiceProvider{
		transport:      t,
		serviceType:    serviceType,
		serviceID:      serviceID,
		log:            log.WithComponent("relay.provider").WithFields(logger.Fields(logger.FieldServiceID, serviceID)),
		connectTimeout: DefaultConnectTimeout,
		maxAttempts:    DefaultMaxAttempts,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	t.OnDisconnected(p.onDisconnected)
	return p
}

// Transport returns the wrapped transport.
func (p *ServiceProvider) Transport() connector.Transport {
	return p.transport
}

// Start begins connecting in the background.
func (p *ServiceProvider) Start() {
	p.mu.Lock()
	p.startAttemptLocked()
	p.mu.Unlock()
}

// EnsureConnected returns once the transport is connected. It waits at most
// the connect timeout for the attempt in flight and fails fast with
// resilience.ErrBackplaneUnavailable after too many consecutive timeouts.
// Cancelling ctx does not count as a timeout.
func (p *ServiceProvider) EnsureConnected(ctx context.Context) error {
	if p.transport.IsConnected() {
		return nil
	}
	if p.closed.Load() {
		return fmt.Errorf("%w: provider closed", resilience.ErrNotConnected)
	}

	p.mu.Lock()
	if p.attempts >= p.maxAttempts {
		n := p.attempts
		p.mu.Unlock()
		observability.BackplaneUnavailable.Inc()
		return fmt.Errorf("%w: %d consecutive connect timeouts", resilience.ErrBackplaneUnavailable, n)
	}
	done := p.startAttemptLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.connectTimeout)
	defer timer.Stop()

	select {
	case <-done:
		if p.transport.IsConnected() {
			return nil
		}
		return resilience.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.mu.Lock()
		p.attempts++
		n := p.attempts
		p.mu.Unlock()
		observability.EnsureConnectedTimeouts.Inc()
		p.log.Debug("timed out waiting for relay connection", logger.Fields("attempt", n))
		return &resilience.TimeoutError{Op: "EnsureConnected", Attempt: n}
	}
}

// startAttemptLocked returns the channel of the attempt in flight, starting
// one if needed. p.mu must be held.
func (p *ServiceProvider) startAttemptLocked() <-chan struct{} {
	if p.inflight != nil {
		return p.inflight
	}
	done := make(chan struct{})
	p.inflight = done
	go p.connect(done)
	return done
}

func (p *ServiceProvider) connect(done chan struct{}) {
	err := p.transport.AttemptConnect(p.ctx)
	if err == nil {
		if regErr := p.register(p.ctx); regErr != nil && p.ctx.Err() == nil {
			p.log.Warn("service registration failed", logger.ErrorFields(MethodRegisterService, regErr))
		}
	} else if p.ctx.Err() == nil {
		p.log.Warn("relay connect failed", logger.ErrorFields("AttemptConnect", err))
	}

	p.mu.Lock()
	// A disconnect during the handshake has already replaced this attempt.
	if p.inflight == done {
		if err == nil {
			p.attempts = 0
		}
		p.inflight = nil
	}
	p.mu.Unlock()
	close(done)
}

func (p *ServiceProvider) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.transport.Invoke(ctx, MethodRegisterService, p.serviceType, p.serviceID)
	if err != nil {
		return err
	}
	p.log.Info("registered with relay", logger.Fields("service_type", p.serviceType))
	return nil
}

func (p *ServiceProvider) onDisconnected(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	if p.closed.Load() {
		return
	}
	// The attempt in flight, if any, ends on the lost connection. Start a
	// fresh one; the transport holds it back until its state has flipped.
	p.inflight = nil
	p.startAttemptLocked()
}

// Invoke ensures the connection and calls method on the relay.
func (p *ServiceProvider) Invoke(ctx context.Context, method string, args ...any) (*wire.Result, error) {
	if err := p.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return p.transport.Invoke(ctx, method, args...)
}

// Send ensures the connection and notifies the relay.
func (p *ServiceProvider) Send(ctx context.Context, method string, args ...any) error {
	if err := p.EnsureConnected(ctx); err != nil {
		return err
	}
	return p.transport.Send(ctx, method, args...)
}

// Close stops reconnecting and closes the transport.
func (p *ServiceProvider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	return p.transport.Close()
}
