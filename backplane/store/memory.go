package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/Backplane/backplane/manager"
)

// MemoryProvider keeps services and changes in process. It backs single
// instance deployments and is registered as a fallback next to real
// providers.
type MemoryProvider struct {
	mu       sync.RWMutex
	services map[string]manager.ServiceRecord
	changes  map[string]manager.Change
	now      func() time.Time
}

// NewMemoryProvider initializes an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		services: make(map[string]manager.ServiceRecord),
		changes:  make(map[string]manager.Change),
		now:      time.Now,
	}
}

func (s *MemoryProvider) Name() string { return "memory" }

func (s *MemoryProvider) UpdateMetrics(ctx context.Context, info manager.ServiceInfo, metrics manager.ServiceMetrics) error {
	copied := make(manager.ServiceMetrics, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[info.ServiceID] = manager.ServiceRecord{Service: info, Metrics: copied, LastUpdate: s.now()}
	return nil
}

func (s *MemoryProvider) DisposeDataChanges(ctx context.Context, changes []manager.DataChanged) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		delete(s.changes, c.ChangeID())
	}
	return nil
}

func (s *MemoryProvider) PublishChange(ctx context.Context, change manager.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.changes[change.ID]; !ok {
		s.changes[change.ID] = change
	}
	return nil
}

// Change returns a stored change.
func (s *MemoryProvider) Change(id string) (manager.Change, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changes[id]
	return c, ok
}

// ListServices returns the live services ordered by id, dropping stale ones.
func (s *MemoryProvider) ListServices(ctx context.Context) ([]manager.ServiceRecord, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]manager.ServiceRecord, 0, len(s.services))
	for id, r := range s.services {
		if r.Stale(now, manager.StaleServiceAge) {
			delete(s.services, id)
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Service.ServiceID < result[j].Service.ServiceID })
	return result, nil
}
