package manager

import (
	"context"
	"fmt"
	"time"
)

// ServiceInfo identifies the service instance reporting metrics.
type ServiceInfo struct {
	ServiceID   string    `json:"serviceId"`
	Stamp       string    `json:"stamp"`
	ServiceType string    `json:"serviceType,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

func (s ServiceInfo) String() string {
	return fmt.Sprintf("%s/%s", s.Stamp, s.ServiceID)
}

// ServiceMetrics is a named snapshot of service counters.
type ServiceMetrics map[string]float64

// ServiceRecord is the last known state of a service instance, as stored by a
// backplane provider.
type ServiceRecord struct {
	Service    ServiceInfo    `json:"service"`
	Metrics    ServiceMetrics `json:"metrics"`
	LastUpdate time.Time      `json:"lastUpdate"`
}

// Stale reports whether the record has not been refreshed within maxAge.
func (r ServiceRecord) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.LastUpdate) >= maxAge
}

// StaleServiceAge is how long a service may go without a metrics update
// before providers drop it from listings.
const StaleServiceAge = 180 * time.Second

// DataChanged is an opaque change record propagated across instances.
type DataChanged interface {
	ChangeID() string
}

// Change is the concrete DataChanged carried between instances.
type Change struct {
	ID        string         `json:"changeId"`
	Type      string         `json:"type"`
	ServiceID string         `json:"serviceId"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (c Change) ChangeID() string { return c.ID }

// ChangeIDs returns the ids of changes, in order.
func ChangeIDs(changes []DataChanged) []string {
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ChangeID()
	}
	return ids
}

// Provider is a backplane backend the manager fans calls out to.
type Provider interface {
	UpdateMetrics(ctx context.Context, info ServiceInfo, metrics ServiceMetrics) error
	DisposeDataChanges(ctx context.Context, changes []DataChanged) error
}

// ErrorHandler lets a provider take over reporting of its own failures.
// Returning true stops the manager from logging the error.
type ErrorHandler interface {
	HandleError(method string, err error) bool
}

// Disposer is implemented by providers holding resources released at shutdown.
type Disposer interface {
	Dispose(ctx context.Context) error
}

// ChangePublisher propagates a change to other service instances.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change Change) error
}

// ServiceLister returns the services a provider knows about.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]ServiceRecord, error)
}

// Named providers report a stable name for logs and metrics.
type Named interface {
	Name() string
}

func providerName(p Provider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
