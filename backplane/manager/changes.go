package manager

import (
	"context"
	"time"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
)

// ChangeExpiry is how long an unlocked change stays tracked after its last touch.
const ChangeExpiry = 60 * time.Second

// TrackOptions control how Track treats a change. They combine as flags.
type TrackOptions uint8

const (
	TrackNone        TrackOptions = 0
	TrackLock        TrackOptions = 1
	TrackRefresh     TrackOptions = 2
	TrackForceRemove TrackOptions = 4
)

type changeEntry struct {
	touched time.Time
	change  DataChanged
	locked  bool
}

// HasTracked reports whether a change with id is in the cache.
func (m *Manager) HasTracked(id string) bool {
	m.changesMu.Lock()
	defer m.changesMu.Unlock()
	_, ok := m.changes[id]
	return ok
}

// Track records change and reports whether it was already tracked.
//
// TrackForceRemove removes the entry regardless of its lock. On an existing
// entry TrackRefresh resets its expiry clock, and the lock follows TrackLock
// when TrackRefresh is set or the requested lock differs.
func (m *Manager) Track(change DataChanged, opts TrackOptions) bool {
	id := change.ChangeID()
	lock := opts&TrackLock != 0

	m.changesMu.Lock()
	defer m.changesMu.Unlock()

	entry, exists := m.changes[id]
	if opts&TrackForceRemove != 0 {
		if exists {
			delete(m.changes, id)
			observability.TrackedChanges.Set(float64(len(m.changes)))
		}
		return exists
	}

	if exists {
		refresh := opts&TrackRefresh != 0
		if refresh {
			entry.touched = m.now()
		}
		if refresh || entry.locked != lock {
			entry.locked = lock
		}
		return true
	}

	m.changes[id] = &changeEntry{touched: m.now(), change: change, locked: lock}
	observability.TrackedChanges.Set(float64(len(m.changes)))
	return false
}

// DisposeExpiredChanges removes unlocked changes older than ChangeExpiry, at
// most maxCount of them when maxCount > 0, and asks the providers to dispose
// them as one batch.
func (m *Manager) DisposeExpiredChanges(ctx context.Context, maxCount int) int {
	threshold := m.now().Add(-ChangeExpiry)

	var expired []DataChanged
	m.changesMu.Lock()
	for id, entry := range m.changes {
		if maxCount > 0 && len(expired) >= maxCount {
			break
		}
		if entry.locked || !entry.touched.Before(threshold) {
			continue
		}
		expired = append(expired, entry.change)
		delete(m.changes, id)
	}
	remaining := len(m.changes)
	m.changesMu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	observability.TrackedChanges.Set(float64(remaining))
	observability.DisposedChanges.WithLabelValues("expired").Add(float64(len(expired)))

	m.disposeChanges(ctx, expired)
	return len(expired)
}

// drainChanges empties the cache, locked entries included.
func (m *Manager) drainChanges() []DataChanged {
	m.changesMu.Lock()
	defer m.changesMu.Unlock()

	all := make([]DataChanged, 0, len(m.changes))
	for _, entry := range m.changes {
		all = append(all, entry.change)
	}
	m.changes = make(map[string]*changeEntry)
	observability.TrackedChanges.Set(0)
	return all
}

func (m *Manager) disposeChanges(ctx context.Context, changes []DataChanged) {
	providers := m.GetSupportedProviders(CapabilityDisposeChanges)
	m.WaitAll(ctx, "DisposeDataChanges", providers, func(ctx context.Context, p Provider) error {
		return p.DisposeDataChanges(ctx, changes)
	}, logger.Fields("size", len(changes)))
}
