// Package coordination drives the backplane manager from a single long-lived
// background loop.
package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/observability"
)

// Loop defaults.
const (
	DefaultTickInterval    = 5 * time.Second
	DefaultMetricsInterval = 45 * time.Second
	DefaultHealthInterval  = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Backplane is the part of the manager the loop drives.
type Backplane interface {
	HandleNext(ctx context.Context, updateMetrics bool)
	DisposeAll(ctx context.Context) error
	ActiveServices(ctx context.Context) []manager.ServiceRecord
}

// LoopConfig sets the loop cadence.
type LoopConfig struct {
	TickInterval    time.Duration
	MetricsInterval time.Duration
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

// ApplyDefaults fills zero durations.
func (c *LoopConfig) ApplyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// every converts an interval to a tick count, at least 1.
func every(interval, tick time.Duration) int {
	n := int(interval / tick)
	if n < 1 {
		return 1
	}
	return n
}

// Health is the loop's last observed state.
type Health struct {
	Running       bool      `json:"running"`
	Iterations    int64     `json:"iterations"`
	Panics        int64     `json:"panics"`
	LastIteration time.Time `json:"lastIteration"`
	Services      int       `json:"services"`
	LastPanic     string    `json:"lastPanic,omitempty"`
}

// HostedLoop ticks the backplane: a metrics update at start and then on the
// metrics cadence, an expiry sweep on every tick, a service report on the
// health cadence, and a final DisposeAll when its context ends.
type HostedLoop struct {
	backplane Backplane
	cfg       LoopConfig
	log       *logger.Logger

	mu     sync.RWMutex
	health Health
	done   chan struct{}
}

func NewHostedLoop(b Backplane, cfg LoopConfig, log *logger.Logger) *HostedLoop {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &HostedLoop{
		backplane: b,
		cfg:       cfg,
		log:       log.WithComponent("coordination"),
		done:      make(chan struct{}),
	}
}

func (l *HostedLoop) Start(ctx context.Context) {
	go l.loop(ctx)
}

// Done is closed after the final DisposeAll has returned.
func (l *HostedLoop) Done() <-chan struct{} {
	return l.done
}

// Health returns a snapshot of the loop state.
func (l *HostedLoop) Health() Health {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.health
}

func (l *HostedLoop) loop(ctx context.Context) {
	defer close(l.done)

	metricsEvery := every(l.cfg.MetricsInterval, l.cfg.TickInterval)
	healthEvery := every(l.cfg.HealthInterval, l.cfg.TickInterval)

	l.log.Info("starting backplane loop", logger.Fields(
		"tick", l.cfg.TickInterval.String(),
		"metrics_every", metricsEvery,
		"health_every", healthEvery,
	))
	l.setRunning(true)

	l.iterate(ctx, true)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			l.setRunning(false)
			l.shutdown()
			return
		case <-ticker.C:
			tick++
			l.iterate(ctx, tick%metricsEvery == 0)
			if tick%healthEvery == 0 {
				l.reportHealth(ctx)
			}
		}
	}
}

// iterate runs one HandleNext. A panic is logged and the loop keeps going.
func (l *HostedLoop) iterate(ctx context.Context, updateMetrics bool) {
	start := time.Now()
	defer func() {
		observability.LoopIterationDuration.Observe(time.Since(start).Seconds())
		l.mu.Lock()
		l.health.Iterations++
		l.health.LastIteration = start
		l.mu.Unlock()

		if r := recover(); r != nil {
			observability.LoopIterations.WithLabelValues("panic").Inc()
			l.log.Error("backplane loop iteration panicked", logger.Fields("panic", fmt.Sprint(r)))
			l.mu.Lock()
			l.health.Panics++
			l.health.LastPanic = fmt.Sprint(r)
			l.mu.Unlock()
			return
		}
		observability.LoopIterations.WithLabelValues("ok").Inc()
	}()

	l.backplane.HandleNext(ctx, updateMetrics)
}

func (l *HostedLoop) reportHealth(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("health report panicked", logger.Fields("panic", fmt.Sprint(r)))
		}
	}()

	services := l.backplane.ActiveServices(ctx)
	l.mu.Lock()
	l.health.Services = len(services)
	h := l.health
	l.mu.Unlock()

	fields := logger.Fields(
		"services", len(services),
		"iterations", h.Iterations,
		"panics", h.Panics,
	)
	for _, s := range services {
		fields["service_"+s.Service.ServiceID] = s.LastUpdate.Format(time.RFC3339)
	}
	l.log.Info("backplane health", fields)
}

func (l *HostedLoop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()

	l.log.Info("stopping backplane loop, disposing changes")
	if err := l.backplane.DisposeAll(ctx); err != nil {
		l.log.Warn("backplane dispose failed", logger.Fields(logger.FieldError, err.Error()))
	}
}

func (l *HostedLoop) setRunning(running bool) {
	l.mu.Lock()
	l.health.Running = running
	l.mu.Unlock()
}
