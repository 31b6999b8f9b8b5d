package manager

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/resilience"
)

// fakeProvider records calls and can be told to fail or stall.
type fakeProvider struct {
	name  string
	fail  error
	delay time.Duration

	mu       sync.Mutex
	metrics  []ServiceMetrics
	disposed [][]string
	disposes atomic.Int32
	handled  atomic.Int32
	handles  bool
	services []ServiceRecord
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) wait(ctx context.Context) error {
	if p.delay == 0 {
		return nil
	}
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) UpdateMetrics(ctx context.Context, info ServiceInfo, metrics ServiceMetrics) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	p.metrics = append(p.metrics, metrics)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) DisposeDataChanges(ctx context.Context, changes []DataChanged) error {
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	p.disposed = append(p.disposed, ChangeIDs(changes))
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.fail != nil {
		return nil, p.fail
	}
	return p.services, nil
}

func (p *fakeProvider) HandleError(method string, err error) bool {
	p.handled.Add(1)
	return p.handles
}

func (p *fakeProvider) Dispose(ctx context.Context) error {
	p.disposes.Add(1)
	return nil
}

func (p *fakeProvider) batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.disposed...)
}

func names(ps []Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = providerName(p)
	}
	return out
}

func TestGetSupportedProviders(t *testing.T) {
	cases := []struct {
		name       string
		priorities []int
		want       []string
	}{
		{"drops no support and orders by priority", []int{5, 50, 0}, []string{"p1", "p0"}},
		{"keeps a lone minimum provider", []int{0, 1}, []string{"p1"}},
		{"drops minimum when a real provider exists", []int{1, 20}, []string{"p1"}},
		{"negative priority is unsupported", []int{-3}, []string{}},
		{"ties keep registration order", []int{10, 10}, []string{"p0", "p1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(nil)
			for i, prio := range tc.priorities {
				m.Register(&fakeProvider{name: "p" + string(rune('0'+i))}, SupportLevel{CapabilityUpdateMetrics: prio})
			}
			got := names(m.GetSupportedProviders(CapabilityUpdateMetrics))
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}

	t.Run("nil support level means default", func(t *testing.T) {
		m := New(nil)
		m.Register(&fakeProvider{name: "default"}, nil)
		m.Register(&fakeProvider{name: "high"}, SupportLevel{CapabilityDisposeChanges: 50})
		got := names(m.GetSupportedProviders(CapabilityDisposeChanges))
		if len(got) != 2 || got[0] != "high" || got[1] != "default" {
			t.Fatalf("got %v", got)
		}
	})
}

func TestWaitAllIsolatesFailures(t *testing.T) {
	m := New(nil)
	a := &fakeProvider{name: "a", delay: 20 * time.Millisecond}
	b := &fakeProvider{name: "b", fail: errors.New("boom")}
	c := &fakeProvider{name: "c", delay: 40 * time.Millisecond}
	for _, p := range []*fakeProvider{a, b, c} {
		m.Register(p, nil)
	}

	m.UpdateMetrics(context.Background(), ServiceInfo{ServiceID: "svc"}, ServiceMetrics{"connections": 3})

	if len(a.metrics) != 1 || len(c.metrics) != 1 {
		t.Fatalf("healthy providers not completed: a=%d c=%d", len(a.metrics), len(c.metrics))
	}
	if b.handled.Load() != 1 {
		t.Fatalf("failing provider error hook called %d times, want 1", b.handled.Load())
	}
}

func TestWaitAllRecoversProviderPanic(t *testing.T) {
	m := New(nil)
	ok := &fakeProvider{name: "ok"}
	m.Register(ok, nil)
	m.Register(panicProvider{}, nil)

	m.UpdateMetrics(context.Background(), ServiceInfo{}, ServiceMetrics{})
	if len(ok.metrics) != 1 {
		t.Fatal("healthy provider should complete despite a panicking peer")
	}
}

type panicProvider struct{}

func (panicProvider) UpdateMetrics(context.Context, ServiceInfo, ServiceMetrics) error {
	panic("broken provider")
}

func (panicProvider) DisposeDataChanges(context.Context, []DataChanged) error { return nil }

func TestTrackIsIdempotent(t *testing.T) {
	m := New(nil)
	change := Change{ID: "c1"}

	if m.Track(change, TrackNone) {
		t.Fatal("first track should report a new change")
	}
	if !m.Track(change, TrackNone) {
		t.Fatal("second track should report an existing change")
	}
	if len(m.changes) != 1 {
		t.Fatalf("cache holds %d entries, want 1", len(m.changes))
	}
	if !m.HasTracked("c1") || m.HasTracked("c2") {
		t.Fatal("HasTracked mismatch")
	}
}

func TestTrackLockAndRefresh(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(nil, WithClock(func() time.Time { return now }))
	change := Change{ID: "c1"}

	m.Track(change, TrackLock)
	if !m.changes["c1"].locked {
		t.Fatal("expected locked entry")
	}

	now = now.Add(10 * time.Second)
	m.Track(change, TrackLock)
	if !m.changes["c1"].touched.Equal(time.Unix(1000, 0)) {
		t.Fatal("touch without refresh must not move the clock")
	}

	m.Track(change, TrackRefresh)
	entry := m.changes["c1"]
	if entry.locked {
		t.Fatal("refresh without lock should unlock")
	}
	if !entry.touched.Equal(now) {
		t.Fatal("refresh should reset the clock")
	}

	if !m.Track(change, TrackForceRemove) {
		t.Fatal("force remove should report the entry existed")
	}
	if m.HasTracked("c1") {
		t.Fatal("entry still tracked after force remove")
	}
	if m.Track(change, TrackForceRemove) {
		t.Fatal("force remove of a missing entry should report false")
	}
}

func TestDisposeExpiredChanges(t *testing.T) {
	now := time.Unix(10_000, 0)
	m := New(nil, WithClock(func() time.Time { return now }))
	p := &fakeProvider{name: "store"}
	m.Register(p, nil)

	m.Track(Change{ID: "old"}, TrackNone)
	m.Track(Change{ID: "locked"}, TrackLock)
	now = now.Add(30 * time.Second)
	m.Track(Change{ID: "young"}, TrackNone)

	now = now.Add(31 * time.Second)
	if n := m.DisposeExpiredChanges(context.Background(), 0); n != 1 {
		t.Fatalf("disposed %d, want 1", n)
	}
	batches := p.batches()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0] != "old" {
		t.Fatalf("unexpected dispose batches %v", batches)
	}
	if m.HasTracked("old") || !m.HasTracked("locked") || !m.HasTracked("young") {
		t.Fatal("wrong entries removed")
	}

	// Nothing expired means no provider call.
	if n := m.DisposeExpiredChanges(context.Background(), 0); n != 0 {
		t.Fatalf("disposed %d on second sweep", n)
	}
	if len(p.batches()) != 1 {
		t.Fatal("empty sweep must not call providers")
	}

	now = now.Add(time.Hour)
	m.DisposeExpiredChanges(context.Background(), 0)
	if !m.HasTracked("locked") {
		t.Fatal("locked entries are never expired")
	}
	if !m.Track(Change{ID: "locked"}, TrackForceRemove) || m.HasTracked("locked") {
		t.Fatal("force remove should drop a locked entry")
	}
}

func TestDisposeExpiredChangesMaxCount(t *testing.T) {
	now := time.Unix(10_000, 0)
	m := New(nil, WithClock(func() time.Time { return now }))
	p := &fakeProvider{name: "store"}
	m.Register(p, nil)
	for _, id := range []string{"a", "b", "c"} {
		m.Track(Change{ID: id}, TrackNone)
	}
	now = now.Add(2 * ChangeExpiry)

	if n := m.DisposeExpiredChanges(context.Background(), 2); n != 2 {
		t.Fatalf("disposed %d, want 2", n)
	}
	if n := m.DisposeExpiredChanges(context.Background(), 2); n != 1 {
		t.Fatalf("disposed %d, want 1", n)
	}
	if len(p.batches()) != 2 {
		t.Fatalf("expected one batch per sweep, got %d", len(p.batches()))
	}
}

func TestWaitFirstSkipsRejectedAndFailed(t *testing.T) {
	m := New(nil)
	empty := &fakeProvider{name: "empty"}
	failing := &fakeProvider{name: "failing", fail: resilience.ErrBackplaneUnavailable}
	slow := &fakeProvider{name: "slow", delay: 30 * time.Millisecond, services: []ServiceRecord{{Service: ServiceInfo{ServiceID: "s1"}}}}
	for _, p := range []*fakeProvider{empty, failing, slow} {
		m.Register(p, nil)
	}

	got := m.ActiveServices(context.Background())
	if len(got) != 1 || got[0].Service.ServiceID != "s1" {
		t.Fatalf("expected the accepted answer from the slow provider, got %v", got)
	}

	t.Run("nothing accepted", func(t *testing.T) {
		m := New(nil)
		m.Register(&fakeProvider{name: "empty"}, nil)
		if got := m.ActiveServices(context.Background()); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})

	t.Run("nil predicate takes first", func(t *testing.T) {
		providers := []Provider{&fakeProvider{name: "x"}}
		v, ok := WaitFirst(context.Background(), m, "Probe", providers, func(ctx context.Context, p Provider) (string, error) {
			return providerName(p), nil
		}, nil)
		if !ok || v != "x" {
			t.Fatalf("got %q %v", v, ok)
		}
	})
}

func TestWaitFirstCancelsStragglers(t *testing.T) {
	m := New(nil)
	cancelled := make(chan struct{})
	providers := []Provider{&fakeProvider{name: "fast"}, &fakeProvider{name: "stuck"}}

	v, ok := WaitFirst(context.Background(), m, "Probe", providers, func(ctx context.Context, p Provider) (string, error) {
		if providerName(p) == "stuck" {
			<-ctx.Done()
			close(cancelled)
			return "", ctx.Err()
		}
		return "fast", nil
	}, nil)
	if !ok || v != "fast" {
		t.Fatalf("got %q %v", v, ok)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("straggler was not cancelled")
	}
}

func TestHandleNext(t *testing.T) {
	now := time.Unix(10_000, 0)
	var calls atomic.Int32
	factory := func(ctx context.Context) (ServiceInfo, ServiceMetrics, error) {
		calls.Add(1)
		return ServiceInfo{ServiceID: "svc", Stamp: "local"}, ServiceMetrics{"contacts": 7}, nil
	}
	m := New(nil, WithClock(func() time.Time { return now }), WithMetricsFactory(factory))
	p := &fakeProvider{name: "store"}
	m.Register(p, nil)

	m.Track(Change{ID: "c"}, TrackNone)
	now = now.Add(2 * ChangeExpiry)

	m.HandleNext(context.Background(), false)
	if calls.Load() != 0 {
		t.Fatal("metrics factory called without updateMetrics")
	}
	if m.HasTracked("c") {
		t.Fatal("sweep should always run")
	}

	m.HandleNext(context.Background(), true)
	if calls.Load() != 1 || len(p.metrics) != 1 || p.metrics[0]["contacts"] != 7 {
		t.Fatalf("metrics not published: calls=%d metrics=%v", calls.Load(), p.metrics)
	}

	t.Run("factory failures are swallowed", func(t *testing.T) {
		m := New(nil, WithMetricsFactory(func(context.Context) (ServiceInfo, ServiceMetrics, error) {
			panic("factory exploded")
		}))
		m.HandleNext(context.Background(), true)
	})
}

func TestDisposeAll(t *testing.T) {
	m := New(nil)
	p := &fakeProvider{name: "store"}
	m.Register(p, nil)
	m.Track(Change{ID: "a"}, TrackNone)
	m.Track(Change{ID: "b"}, TrackLock)

	if err := m.DisposeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	batches := p.batches()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch with both changes, got %v", batches)
	}
	if m.HasTracked("a") || m.HasTracked("b") {
		t.Fatal("cache should be empty after DisposeAll")
	}
	if p.disposes.Load() != 1 {
		t.Fatalf("provider disposed %d times, want 1", p.disposes.Load())
	}
}

type publishingProvider struct {
	fakeProvider
	published chan Change
}

func (p *publishingProvider) PublishChange(ctx context.Context, c Change) error {
	p.published <- c
	return nil
}

func TestPublishChange(t *testing.T) {
	now := time.Unix(10_000, 0)
	m := New(nil, WithClock(func() time.Time { return now }))
	p := &publishingProvider{fakeProvider: fakeProvider{name: "relay"}, published: make(chan Change, 1)}
	m.Register(p, nil)
	m.Register(&fakeProvider{name: "plain"}, nil)

	m.PublishChange(context.Background(), Change{ID: "x", Type: "presence"})

	select {
	case c := <-p.published:
		if c.ID != "x" || c.CreatedAt.IsZero() {
			t.Fatalf("unexpected change %+v", c)
		}
	default:
		t.Fatal("change not published")
	}
	if entry := m.changes["x"]; entry == nil || entry.locked {
		t.Fatal("published change should be tracked unlocked")
	}
	if m.ReceiveChange(Change{ID: "x"}) {
		t.Fatal("echo of our own change should be reported as seen")
	}
	if !m.ReceiveChange(Change{ID: "y"}) {
		t.Fatal("new remote change should be reported as new")
	}
}

// stalledProvider accepts calls and never answers until its context ends.
type stalledProvider struct {
	fakeProvider
}

func (p *stalledProvider) UpdateMetrics(ctx context.Context, info ServiceInfo, metrics ServiceMetrics) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *stalledProvider) DisposeDataChanges(ctx context.Context, changes []DataChanged) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHandleNextBoundsStalledProvider(t *testing.T) {
	now := time.Unix(10_000, 0)
	factory := func(ctx context.Context) (ServiceInfo, ServiceMetrics, error) {
		return ServiceInfo{ServiceID: "svc"}, ServiceMetrics{}, nil
	}
	m := New(nil, WithClock(func() time.Time { return now }), WithMetricsFactory(factory), WithCallTimeout(50*time.Millisecond))
	healthy := &fakeProvider{name: "store"}
	m.Register(&stalledProvider{fakeProvider{name: "relay"}}, nil)
	m.Register(healthy, nil)

	m.Track(Change{ID: "c"}, TrackNone)
	now = now.Add(2 * ChangeExpiry)

	done := make(chan struct{})
	go func() {
		m.HandleNext(context.Background(), true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleNext blocked on a provider that never answers")
	}

	if len(healthy.metrics) != 1 {
		t.Fatalf("healthy provider got %d metric updates, want 1", len(healthy.metrics))
	}
	if m.HasTracked("c") {
		t.Fatal("expiry sweep should run after the stalled metrics call")
	}
	if len(healthy.batches()) != 1 {
		t.Fatal("healthy provider should receive the expired batch")
	}
}

func TestWaitAllSummaryKeepsSameNamedProviders(t *testing.T) {
	var buf bytes.Buffer
	m := New(logger.NewWriter(&buf, zerolog.DebugLevel))
	m.Register(&fakeProvider{name: "store"}, nil)
	m.Register(&fakeProvider{name: "store"}, nil)

	m.UpdateMetrics(context.Background(), ServiceInfo{ServiceID: "svc"}, ServiceMetrics{})

	var summary string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "fan-out complete") {
			summary = line
		}
	}
	if summary == "" {
		t.Fatalf("no fan-out summary logged: %s", buf.String())
	}
	if n := strings.Count(summary, `"provider":"store"`); n != 2 {
		t.Fatalf("summary lists %d store providers, want 2: %s", n, summary)
	}
}
