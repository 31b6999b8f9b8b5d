package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
	"github.com/itskum47/Backplane/backplane/resilience"
)

type outcome[T any] struct {
	index   int
	value   T
	err     error
	elapsed time.Duration
}

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 30 * time.Second

func launch[T any](ctx context.Context, timeout time.Duration, providers []Provider, call func(context.Context, Provider) (T, error)) <-chan outcome[T] {
	results := make(chan outcome[T], len(providers))
	for i, p := range providers {
		go func(i int, p Provider) {
			callCtx, cancel := withCallTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			v, err := safeCall(callCtx, p, call)
			results <- outcome[T]{index: i, value: v, err: err, elapsed: time.Since(start)}
		}(i, p)
	}
	return results
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func safeCall[T any](ctx context.Context, p Provider, call func(context.Context, Provider) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", providerName(p), r)
		}
	}()
	return call(ctx, p)
}

// WaitAll calls every provider concurrently and waits for all of them,
// handling each completion as it arrives. Failures are reported and never
// returned.
func (m *Manager) WaitAll(ctx context.Context, method string, providers []Provider, call func(context.Context, Provider) error, fields ...map[string]interface{}) {
	if len(providers) == 0 {
		return
	}
	start := time.Now()
	results := launch(ctx, m.callTimeout, providers, func(ctx context.Context, p Provider) (struct{}, error) {
		return struct{}{}, call(ctx, p)
	})

	elapsed := make([]map[string]interface{}, 0, len(providers))
	for pending := len(providers); pending > 0; pending-- {
		o := <-results
		p := providers[o.index]
		m.record(method, p, o.elapsed, o.err)
		elapsed = append(elapsed, logger.Fields(logger.FieldProvider, providerName(p), logger.FieldDuration, o.elapsed.Milliseconds()))
	}

	summary := logger.Fields(logger.FieldMethod, method, logger.FieldDuration, time.Since(start).Milliseconds(), "providers", elapsed)
	m.log.Debug("fan-out complete", append(fields, summary)...)
}

// WaitFirst calls every provider concurrently and returns the first result
// accepted by accept, or any first result when accept is nil. Failed and
// rejected completions are skipped; the zero value and false are returned
// when nothing is accepted. Calls still running are cancelled on return.
func WaitFirst[T any](ctx context.Context, m *Manager, method string, providers []Provider, call func(context.Context, Provider) (T, error), accept func(T) bool) (T, bool) {
	var zero T
	if len(providers) == 0 {
		return zero, false
	}
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := launch(ctx, m.callTimeout, providers, call)

	elapsed := make([]map[string]interface{}, 0, len(providers))
	defer func() {
		m.log.Debug("fan-out first complete", logger.Fields(logger.FieldMethod, method, logger.FieldDuration, time.Since(start).Milliseconds(), "providers", elapsed))
	}()

	for pending := len(providers); pending > 0; pending-- {
		o := <-results
		p := providers[o.index]
		m.record(method, p, o.elapsed, o.err)
		elapsed = append(elapsed, logger.Fields(logger.FieldProvider, providerName(p), logger.FieldDuration, o.elapsed.Milliseconds()))
		if o.err != nil {
			continue
		}
		if accept == nil || accept(o.value) {
			return o.value, true
		}
	}
	return zero, false
}

func (m *Manager) record(method string, p Provider, elapsed time.Duration, err error) {
	name := providerName(p)
	observability.ProviderCallDuration.WithLabelValues(name, method).Observe(elapsed.Seconds())
	if err == nil {
		return
	}
	kind := resilience.Classify(err)
	observability.ProviderFailures.WithLabelValues(name, method, kind.String()).Inc()

	if h, ok := p.(ErrorHandler); ok && h.HandleError(method, err) {
		return
	}
	if kind == resilience.KindOther {
		m.log.Warn("provider call failed", logger.Fields(logger.FieldMethod, method, logger.FieldProvider, name, logger.FieldError, err.Error()))
	}
}
