package store

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS backplane_services (
	service_id  TEXT PRIMARY KEY,
	document    JSONB NOT NULL,
	last_update TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS backplane_changes (
	change_id  TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	document   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS backplane_changes_created_at ON backplane_changes (created_at);
`

// PostgresProvider is a document-store backplane provider. Services and
// changes are JSONB documents; other instances pick changes up with Watch.
type PostgresProvider struct {
	pool      *pgxpool.Pool
	serviceID string
	log       *logger.Logger
	now       func() time.Time
}

// NewPostgresProvider initializes a PostgresProvider with a connection pool.
func NewPostgresProvider(ctx context.Context, connString, serviceID string, log *logger.Logger) (*PostgresProvider, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if log == nil {
		log = logger.Nop()
	}
	return &PostgresProvider{
		pool:      pool,
		serviceID: serviceID,
		log:       log.WithComponent("store.postgres"),
		now:       time.Now,
	}, nil
}

func (s *PostgresProvider) Name() string { return "postgres" }

func observePostgres(op string, start time.Time) {
	observability.PostgresLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EnsureSchema creates the provider tables if they do not exist.
func (s *PostgresProvider) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresProvider) UpdateMetrics(ctx context.Context, info manager.ServiceInfo, metrics manager.ServiceMetrics) error {
	defer observePostgres("update_metrics", time.Now())

	record := manager.ServiceRecord{Service: info, Metrics: metrics, LastUpdate: s.now().UTC()}
	doc, err := gojson.Marshal(record)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO backplane_services (service_id, document, last_update)
		VALUES ($1, $2, $3)
		ON CONFLICT (service_id) DO UPDATE SET
			document = EXCLUDED.document,
			last_update = EXCLUDED.last_update
	`
	_, err = s.pool.Exec(ctx, query, info.ServiceID, doc, record.LastUpdate)
	return err
}

func (s *PostgresProvider) DisposeDataChanges(ctx context.Context, changes []manager.DataChanged) error {
	if len(changes) == 0 {
		return nil
	}
	defer observePostgres("dispose_changes", time.Now())

	_, err := s.pool.Exec(ctx, `DELETE FROM backplane_changes WHERE change_id = ANY($1)`, manager.ChangeIDs(changes))
	return err
}

func (s *PostgresProvider) PublishChange(ctx context.Context, change manager.Change) error {
	defer observePostgres("publish_change", time.Now())

	doc, err := gojson.Marshal(change)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO backplane_changes (change_id, service_id, document, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (change_id) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query, change.ID, change.ServiceID, doc, s.now().UTC())
	return err
}

// ListServices deletes stale services and returns the rest ordered by id.
func (s *PostgresProvider) ListServices(ctx context.Context) ([]manager.ServiceRecord, error) {
	defer observePostgres("list_services", time.Now())

	cutoff := s.now().Add(-manager.StaleServiceAge).UTC()
	if tag, err := s.pool.Exec(ctx, `DELETE FROM backplane_services WHERE last_update <= $1`, cutoff); err != nil {
		return nil, err
	} else if tag.RowsAffected() > 0 {
		s.log.Debug("pruned stale services", logger.Fields("count", tag.RowsAffected()))
	}

	rows, err := s.pool.Query(ctx, `SELECT document FROM backplane_services ORDER BY service_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []manager.ServiceRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r manager.ServiceRecord
		if err := gojson.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ChangesSince returns changes stored after since by other instances, oldest
// first, along with the newest creation time seen.
func (s *PostgresProvider) ChangesSince(ctx context.Context, since time.Time) ([]manager.Change, time.Time, error) {
	defer observePostgres("changes_since", time.Now())

	query := `
		SELECT document, created_at FROM backplane_changes
		WHERE created_at > $1 AND service_id <> $2
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, since, s.serviceID)
	if err != nil {
		return nil, since, err
	}
	defer rows.Close()

	latest := since
	var changes []manager.Change
	for rows.Next() {
		var (
			doc []byte
			at  time.Time
		)
		if err := rows.Scan(&doc, &at); err != nil {
			return nil, since, err
		}
		var c manager.Change
		if err := gojson.Unmarshal(doc, &c); err != nil {
			s.log.Warn("skipping malformed change document", logger.Fields(logger.FieldError, err.Error()))
			continue
		}
		changes = append(changes, c)
		if at.After(latest) {
			latest = at
		}
	}
	return changes, latest, rows.Err()
}

// Watch polls for changes from other instances every interval and delivers
// them to fn until ctx is done.
func (s *PostgresProvider) Watch(ctx context.Context, interval time.Duration, fn func(ctx context.Context, change manager.Change)) {
	since := s.now().UTC()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes, latest, err := s.ChangesSince(ctx, since)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("change poll failed", logger.ErrorFields("ChangesSince", err))
				}
				continue
			}
			since = latest
			for _, c := range changes {
				fn(ctx, c)
			}
		}
	}
}

// Dispose closes the connection pool.
func (s *PostgresProvider) Dispose(ctx context.Context) error {
	s.pool.Close()
	return nil
}
