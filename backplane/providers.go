package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/itskum47/Backplane/backplane/config"
	"github.com/itskum47/Backplane/backplane/connector"
	"github.com/itskum47/Backplane/backplane/hub"
	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/relay"
	"github.com/itskum47/Backplane/backplane/store"
)

// fallbackSupport keeps the in-memory provider out of every operation that a
// real provider serves.
var fallbackSupport = manager.SupportLevel{
	manager.CapabilityUpdateMetrics:  manager.MinimumSupportThreshold,
	manager.CapabilityDisposeChanges: manager.MinimumSupportThreshold,
	manager.CapabilityPublishChanges: manager.MinimumSupportThreshold,
	manager.CapabilityListServices:   manager.MinimumSupportThreshold,
}

// registerProviders wires every enabled provider into m and routes the
// changes they receive from other instances into the change cache.
func registerProviders(ctx context.Context, cfg *config.Config, m *manager.Manager, log *logger.Logger) error {
	receive := func(ctx context.Context, c manager.Change) {
		if m.ReceiveChange(c) {
			log.Debug("received change", logger.Fields("change_id", c.ID, "origin", c.ServiceID))
		}
	}

	m.Register(store.NewMemoryProvider(), fallbackSupport)

	if cfg.Redis.Enabled {
		rp, err := store.NewRedisProvider(ctx, store.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			ServiceID: cfg.Service.ID,
		}, log)
		if err != nil {
			return err
		}
		if err := rp.Subscribe(ctx, receive); err != nil {
			return err
		}
		m.Register(rp, nil)
	}

	if cfg.Postgres.Enabled {
		pp, err := store.NewPostgresProvider(ctx, cfg.Postgres.DSN, cfg.Service.ID, log)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := pp.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		go pp.Watch(ctx, cfg.Postgres.PollInterval, receive)
		m.Register(pp, manager.SupportLevel{manager.CapabilityListServices: manager.DefaultSupportThreshold / 2})
	}

	if cfg.Relay.Enabled {
		var t connector.Transport
		switch cfg.Relay.Transport {
		case config.TransportHub:
			t = connector.NewHubTransport(cfg.Relay.HubURL, log, hubClientOptions(cfg.Relay)...)
		default:
			t = connector.NewSocketTransport(cfg.Relay.Address, log, connector.WithRetryDelay(cfg.Relay.RetryDelay))
		}
		sp := relay.NewServiceProvider(t, cfg.Service.Type, cfg.Service.ID, log,
			relay.WithConnectTimeout(cfg.Relay.ConnectTimeout),
			relay.WithMaxAttempts(cfg.Relay.MaxAttempts),
		)
		rp := relay.NewProvider(sp)
		if err := rp.OnChange(receive); err != nil {
			return err
		}
		sp.Start()
		m.Register(rp, nil)
	}
	return nil
}

func hubClientOptions(cfg config.RelayConfig) []hub.ClientOption {
	if len(cfg.HubHeaders) == 0 {
		return nil
	}
	h := make(http.Header, len(cfg.HubHeaders))
	for k, v := range cfg.HubHeaders {
		h.Set(k, v)
	}
	return []hub.ClientOption{hub.WithHeader(h)}
}

// hubServerOptions maps the relay server limits; zero keeps the hub default.
func hubServerOptions(cfg config.RelayServerConfig) []hub.ServerOption {
	var opts []hub.ServerOption
	if cfg.MaxConnections > 0 {
		opts = append(opts, hub.WithMaxConnections(cfg.MaxConnections))
	}
	if cfg.KeepAlive > 0 && cfg.ClientTimeout > 0 {
		opts = append(opts, hub.WithServerKeepAlive(cfg.KeepAlive, cfg.ClientTimeout))
	}
	return opts
}
