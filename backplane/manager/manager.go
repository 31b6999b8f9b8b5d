// Package manager owns the set of backplane providers and the change cache,
// and fans calls out to the providers that support each capability.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
)

// MetricsFactory produces the metrics snapshot published on every update.
type MetricsFactory func(ctx context.Context) (ServiceInfo, ServiceMetrics, error)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCallTimeout bounds every provider call made by a fan-out. Zero or less
// disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithMetricsFactory sets the snapshot source used by HandleNext.
func WithMetricsFactory(f MetricsFactory) Option {
	return func(m *Manager) { m.metrics = f }
}

// Manager is the backplane manager. The provider registry and the change
// cache have separate locks and neither is held across a provider call.
type Manager struct {
	log     *logger.Logger
	metrics MetricsFactory
	now     func() time.Time

	callTimeout time.Duration

	providersMu sync.Mutex
	providers   []registration

	changesMu sync.Mutex
	changes   map[string]*changeEntry
}

// New creates a manager with no providers.
func New(log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		log:         log.WithComponent("manager"),
		now:         time.Now,
		callTimeout: DefaultCallTimeout,
		changes:     make(map[string]*changeEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider. A nil support level means every capability at
// DefaultSupportThreshold.
func (m *Manager) Register(p Provider, support SupportLevel) {
	m.log.Info("registering backplane provider", logger.Fields(logger.FieldProvider, providerName(p), "support", support))
	m.providersMu.Lock()
	m.providers = append(m.providers, registration{provider: p, support: support})
	m.providersMu.Unlock()
}

// Providers returns a snapshot of the registered providers.
func (m *Manager) Providers() []Provider {
	m.providersMu.Lock()
	defer m.providersMu.Unlock()
	out := make([]Provider, len(m.providers))
	for i, r := range m.providers {
		out[i] = r.provider
	}
	return out
}

// GetSupportedProviders returns the providers taking part in capability c,
// highest priority first.
func (m *Manager) GetSupportedProviders(c Capability) []Provider {
	m.providersMu.Lock()
	regs := append([]registration(nil), m.providers...)
	m.providersMu.Unlock()
	return selectProviders(regs, c)
}

// UpdateMetrics publishes one metrics snapshot to every supporting provider.
func (m *Manager) UpdateMetrics(ctx context.Context, info ServiceInfo, metrics ServiceMetrics) {
	providers := m.GetSupportedProviders(CapabilityUpdateMetrics)
	m.WaitAll(ctx, "UpdateMetrics", providers, func(ctx context.Context, p Provider) error {
		return p.UpdateMetrics(ctx, info, metrics)
	}, logger.Fields(logger.FieldServiceID, info.ServiceID))
}

// HandleNext runs one unit of periodic work: an optional metrics update
// followed by the expiry sweep. It never returns an error or panics.
func (m *Manager) HandleNext(ctx context.Context, updateMetrics bool) {
	if updateMetrics {
		if err := m.updateMetricsFromFactory(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("metrics update failed", logger.ErrorFields("HandleNext", err))
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("expiry sweep panicked", logger.Fields("panic", fmt.Sprint(r)))
			}
		}()
		m.DisposeExpiredChanges(ctx, 0)
	}()
}

func (m *Manager) updateMetricsFromFactory(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metrics update panicked: %v", r)
		}
	}()
	if m.metrics == nil {
		return nil
	}
	info, metrics, err := m.metrics(ctx)
	if err != nil {
		return fmt.Errorf("metrics factory: %w", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fields := logger.Fields(
		logger.FieldMethod, "UpdateMetrics",
		logger.FieldServiceID, info.ServiceID,
		"stamp", info.Stamp,
		"heap_alloc_bytes", mem.HeapAlloc,
		"sys_bytes", mem.Sys,
	)
	for k, v := range metrics {
		fields["metric_"+k] = v
	}
	m.log.Info("updating backplane metrics", fields)

	m.UpdateMetrics(ctx, info, metrics)
	return nil
}

// DisposeAll disposes every tracked change, locked or not, and then every
// provider implementing Disposer.
func (m *Manager) DisposeAll(ctx context.Context) error {
	all := m.drainChanges()
	m.log.Debug("disposing all changes", logger.Fields("size", len(all)))
	if len(all) > 0 {
		observability.DisposedChanges.WithLabelValues("shutdown").Add(float64(len(all)))
		m.disposeChanges(ctx, all)
	}

	var errs []error
	for _, p := range m.Providers() {
		d, ok := p.(Disposer)
		if !ok {
			continue
		}
		if err := d.Dispose(ctx); err != nil {
			m.log.Warn("provider dispose failed", logger.Fields(logger.FieldProvider, providerName(p), logger.FieldError, err.Error()))
			errs = append(errs, fmt.Errorf("dispose %s: %w", providerName(p), err))
		}
	}
	return errors.Join(errs...)
}

// PublishChange tracks change as locked while it is propagated, then
// refreshes it unlocked so it expires normally.
func (m *Manager) PublishChange(ctx context.Context, change Change) {
	if change.CreatedAt.IsZero() {
		change.CreatedAt = m.now()
	}
	m.Track(change, TrackLock)

	var publishers []Provider
	for _, p := range m.GetSupportedProviders(CapabilityPublishChanges) {
		if _, ok := p.(ChangePublisher); ok {
			publishers = append(publishers, p)
		}
	}
	m.WaitAll(ctx, "PublishChange", publishers, func(ctx context.Context, p Provider) error {
		return p.(ChangePublisher).PublishChange(ctx, change)
	}, logger.Fields("change_id", change.ID))

	m.Track(change, TrackRefresh)
}

// ReceiveChange records a change published by another instance. It reports
// false when the change was already seen, leaving the tracked entry as is.
func (m *Manager) ReceiveChange(change DataChanged) bool {
	if m.HasTracked(change.ChangeID()) {
		return false
	}
	return !m.Track(change, TrackNone)
}

// ActiveServices asks the listing providers concurrently and returns the first
// non-empty answer.
func (m *Manager) ActiveServices(ctx context.Context) []ServiceRecord {
	var listers []Provider
	for _, p := range m.GetSupportedProviders(CapabilityListServices) {
		if _, ok := p.(ServiceLister); ok {
			listers = append(listers, p)
		}
	}
	records, _ := WaitFirst(ctx, m, "ListServices", listers, func(ctx context.Context, p Provider) ([]ServiceRecord, error) {
		return p.(ServiceLister).ListServices(ctx)
	}, func(records []ServiceRecord) bool { return len(records) > 0 })
	return records
}
