// Package store holds the storage-backed backplane providers.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/observability"
)

// Document lifetimes, kept above the stale age and the change expiry.
const (
	serviceTTL = 2 * manager.StaleServiceAge
	changeTTL  = 2 * manager.ChangeExpiry
)

// RedisOptions configures a RedisProvider.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// ServiceID identifies this instance; changes it published are not
	// delivered back to it.
	ServiceID string
}

// RedisProvider is a cache-backed backplane provider. Service metrics and
// change documents are stored as JSON values and changes fan out over
// pub/sub.
type RedisProvider struct {
	client    *redis.Client
	prefix    string
	serviceID string
	log       *logger.Logger
	now       func() time.Time
}

// NewRedisProvider connects to Redis and verifies the connection.
func NewRedisProvider(ctx context.Context, opts RedisOptions, log *logger.Logger) (*RedisProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisProviderFromClient(client, opts.Prefix, opts.ServiceID, log), nil
}

// NewRedisProviderFromClient wraps an existing client.
func NewRedisProviderFromClient(client *redis.Client, prefix, serviceID string, log *logger.Logger) *RedisProvider {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisProvider{
		client:    client,
		prefix:    prefix,
		serviceID: serviceID,
		log:       log.WithComponent("store.redis"),
		now:       time.Now,
	}
}

func (p *RedisProvider) Name() string { return "redis" }

func observeRedis(op string, start time.Time) {
	observability.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// UpdateMetrics stores the service document and indexes it.
func (p *RedisProvider) UpdateMetrics(ctx context.Context, info manager.ServiceInfo, metrics manager.ServiceMetrics) error {
	defer observeRedis("update_metrics", time.Now())

	record := manager.ServiceRecord{Service: info, Metrics: metrics, LastUpdate: p.now().UTC()}
	data, err := gojson.Marshal(record)
	if err != nil {
		return err
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, ResourceKey(p.prefix, ResourceService, info.ServiceID), data, serviceTTL)
	pipe.SAdd(ctx, IndexKey(p.prefix, ResourceService), info.ServiceID)
	_, err = pipe.Exec(ctx)
	return err
}

// DisposeDataChanges deletes the change documents.
func (p *RedisProvider) DisposeDataChanges(ctx context.Context, changes []manager.DataChanged) error {
	if len(changes) == 0 {
		return nil
	}
	defer observeRedis("dispose_changes", time.Now())

	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = ResourceKey(p.prefix, ResourceChange, c.ChangeID())
	}
	return p.client.Del(ctx, keys...).Err()
}

// PublishChange stores the change document and publishes it. A change whose
// document already exists has been published and is skipped.
func (p *RedisProvider) PublishChange(ctx context.Context, change manager.Change) error {
	defer observeRedis("publish_change", time.Now())

	data, err := gojson.Marshal(change)
	if err != nil {
		return err
	}
	created, err := p.client.SetNX(ctx, ResourceKey(p.prefix, ResourceChange, change.ID), data, changeTTL).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return p.client.Publish(ctx, ChannelKey(p.prefix), data).Err()
}

// ListServices returns the live services ordered by id. Stale and orphaned
// index entries are removed as a side effect.
func (p *RedisProvider) ListServices(ctx context.Context) ([]manager.ServiceRecord, error) {
	defer observeRedis("list_services", time.Now())

	index := IndexKey(p.prefix, ResourceService)
	ids, err := p.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ResourceKey(p.prefix, ResourceService, id)
	}
	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	now := p.now()
	var (
		records []manager.ServiceRecord
		expired []string
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var r manager.ServiceRecord
		if err := gojson.Unmarshal([]byte(raw), &r); err != nil {
			p.log.Warn("skipping malformed service document", logger.Fields(logger.FieldServiceID, ids[i], logger.FieldError, err.Error()))
			continue
		}
		if r.Stale(now, manager.StaleServiceAge) {
			expired = append(expired, ids[i])
			continue
		}
		records = append(records, r)
	}

	if len(expired) > 0 {
		pipe := p.client.TxPipeline()
		for _, id := range expired {
			pipe.Del(ctx, ResourceKey(p.prefix, ResourceService, id))
			pipe.SRem(ctx, index, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			p.log.Warn("failed to prune stale services", logger.Fields("count", len(expired), logger.FieldError, err.Error()))
		} else {
			p.log.Debug("pruned stale services", logger.Fields("count", len(expired)))
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Service.ServiceID < records[j].Service.ServiceID })
	return records, nil
}

// Subscribe delivers changes published by other instances to fn until ctx
// is done or the provider is disposed. It returns once the subscription is
// active.
func (p *RedisProvider) Subscribe(ctx context.Context, fn func(ctx context.Context, change manager.Change)) error {
	sub := p.client.Subscribe(ctx, ChannelKey(p.prefix))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change manager.Change
				if err := gojson.Unmarshal([]byte(msg.Payload), &change); err != nil {
					p.log.Warn("dropping malformed change", logger.Fields(logger.FieldError, err.Error()))
					continue
				}
				if change.ServiceID != "" && change.ServiceID == p.serviceID {
					continue
				}
				fn(ctx, change)
			}
		}
	}()
	return nil
}

// HandleError reports connection-level failures itself so that an
// unreachable Redis produces one warning instead of an error per call.
func (p *RedisProvider) HandleError(method string, err error) bool {
	if !isConnectionError(err) {
		return false
	}
	p.log.Warn("redis unavailable", logger.ErrorFields(method, err))
	return true
}

func isConnectionError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Dispose closes the client and any subscriptions.
func (p *RedisProvider) Dispose(ctx context.Context) error {
	return p.client.Close()
}
