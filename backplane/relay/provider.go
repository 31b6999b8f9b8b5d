package relay

import (
	"context"

	"github.com/itskum47/Backplane/backplane/connector"
	"github.com/itskum47/Backplane/backplane/manager"
)

// Relay method names.
const (
	MethodUpdateMetrics      = "UpdateMetrics"
	MethodDisposeDataChanges = "DisposeDataChanges"
	MethodPublishChange      = "PublishChange"
	MethodGetServices        = "GetServices"
	MethodOnChange           = "OnChange"
)

// Provider is a backplane provider that forwards to a peer relay.
type Provider struct {
	sp *ServiceProvider
}

// NewProvider creates a provider over sp.
func NewProvider(sp *ServiceProvider) *Provider {
	return &Provider{sp: sp}
}

func (p *Provider) Name() string { return "relay" }

// OnChange registers fn for changes the relay forwards from other instances.
// It must be called before the service provider starts.
func (p *Provider) OnChange(fn func(ctx context.Context, change manager.Change)) error {
	return p.sp.Transport().AddTarget(MethodOnChange, func(ctx context.Context, args connector.Args) (any, error) {
		change, err := connector.Arg[manager.Change](args, 0)
		if err != nil {
			return nil, err
		}
		fn(ctx, change)
		return nil, nil
	})
}

func (p *Provider) UpdateMetrics(ctx context.Context, info manager.ServiceInfo, metrics manager.ServiceMetrics) error {
	_, err := p.sp.Invoke(ctx, MethodUpdateMetrics, info, metrics)
	return err
}

func (p *Provider) DisposeDataChanges(ctx context.Context, changes []manager.DataChanged) error {
	_, err := p.sp.Invoke(ctx, MethodDisposeDataChanges, manager.ChangeIDs(changes))
	return err
}

func (p *Provider) PublishChange(ctx context.Context, change manager.Change) error {
	return p.sp.Send(ctx, MethodPublishChange, change)
}

func (p *Provider) ListServices(ctx context.Context) ([]manager.ServiceRecord, error) {
	res, err := p.sp.Invoke(ctx, MethodGetServices)
	if err != nil {
		return nil, err
	}
	return connector.Decode[[]manager.ServiceRecord](res)
}

// Dispose closes the relay connection.
func (p *Provider) Dispose(ctx context.Context) error {
	return p.sp.Close()
}
