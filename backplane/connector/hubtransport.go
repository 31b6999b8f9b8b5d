package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/itskum47/Backplane/backplane/hub"
	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
	"github.com/itskum47/Backplane/backplane/resilience"
	"github.com/itskum47/Backplane/backplane/wire"
)

const transportHub = "hub"

// HubTransport reaches the relay through a hub client. Reconnect pacing is
// the client's own policy.
type HubTransport struct {
	client *hub.Client
	log    *logger.Logger

	// creating stays true until the first connection succeeds; errors traced
	// before that are startup churn and logged quietly.
	creating atomic.Bool

	sem chan struct{}

	mu        sync.Mutex
	targets   targetSet
	listeners []func(error)

	connected atomic.Bool
}

// NewHubTransport creates a transport for the hub at url. Extra client options
// are applied after the defaults.
func NewHubTransport(url string, log *logger.Logger, opts ...hub.ClientOption) *HubTransport {
	if log == nil {
		log = logger.Nop()
	}
	t := &HubTransport{
		log: log.WithComponent("connector.hub"),
		sem: make(chan struct{}, 1),
	}
	t.creating.Store(true)

	base := []hub.ClientOption{
		hub.WithTrace(t.trace),
		hub.WithServerTimeout(hub.DefaultServerTimeout),
		hub.WithKeepAlive(hub.DefaultKeepAlive),
	}
	t.client = hub.NewClient(url, append(base, opts...)...)
	t.client.OnClosed(t.handleClosed)
	return t
}

// traceLevel maps hub severities onto log levels, demoting errors while the
// first connection is still being created.
func (t *HubTransport) traceLevel(level hub.TraceLevel) zerolog.Level {
	switch level {
	case hub.TraceDebug:
		return zerolog.DebugLevel
	case hub.TraceInfo:
		return zerolog.InfoLevel
	case hub.TraceWarning:
		return zerolog.WarnLevel
	default:
		if t.creating.Load() {
			return zerolog.InfoLevel
		}
		return zerolog.ErrorLevel
	}
}

func (t *HubTransport) trace(level hub.TraceLevel, msg string, err error) {
	fields := logger.Fields("trace_level", level.String())
	if err != nil {
		fields[logger.FieldError] = err.Error()
	}
	t.log.Log(t.traceLevel(level), msg, fields)
}

func (t *HubTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *HubTransport) AddTarget(method string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.targets.add(method, h); err != nil {
		return err
	}
	t.client.On(method, func(ctx context.Context, args hub.Arguments) (any, error) {
		return h(ctx, args)
	})
	return nil
}

func (t *HubTransport) OnDisconnected(fn func(err error)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// AttemptConnect starts the hub client, which retries with its reconnect
// policy until connected or ctx is done.
func (t *HubTransport) AttemptConnect(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()

	if t.connected.Load() {
		return nil
	}

	t.mu.Lock()
	t.targets.freeze()
	t.mu.Unlock()

	if err := t.client.Start(ctx); err != nil {
		observability.ConnectorConnectAttempts.WithLabelValues(transportHub, "failure").Inc()
		return err
	}
	observability.ConnectorConnectAttempts.WithLabelValues(transportHub, "success").Inc()
	observability.ConnectorConnected.WithLabelValues(transportHub).Set(1)
	t.creating.Store(false)
	t.connected.Store(true)
	return nil
}

func (t *HubTransport) handleClosed(err error) {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	if !t.connected.Load() {
		return
	}
	t.mu.Lock()
	listeners := append([]func(error){}, t.listeners...)
	t.mu.Unlock()

	observability.ConnectorDisconnects.WithLabelValues(transportHub).Inc()
	for _, fn := range listeners {
		fn(err)
	}
	t.connected.Store(false)
	observability.ConnectorConnected.WithLabelValues(transportHub).Set(0)
}

func (t *HubTransport) Invoke(ctx context.Context, method string, args ...any) (*wire.Result, error) {
	if !t.connected.Load() {
		return nil, resilience.ErrNotConnected
	}
	raw, err := t.client.Invoke(ctx, method, args...)
	if err != nil {
		return nil, t.classify(err)
	}
	return &wire.Result{Payload: raw}, nil
}

func (t *HubTransport) Send(ctx context.Context, method string, args ...any) error {
	if !t.connected.Load() {
		return resilience.ErrNotConnected
	}
	if err := t.client.Send(ctx, method, args...); err != nil {
		return t.classify(err)
	}
	return nil
}

// classify maps a client that lost its connection between the state check and
// the call onto ErrNotConnected.
func (t *HubTransport) classify(err error) error {
	if errors.Is(err, resilience.ErrNotConnected) {
		return err
	}
	if hub.IsClosedError(err) {
		return errors.Join(resilience.ErrNotConnected, err)
	}
	return err
}

func (t *HubTransport) Close() error {
	return t.client.Stop()
}
