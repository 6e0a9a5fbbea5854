package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"station-climate/internal/models"
	"station-climate/pkg/database"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

// MetricCacheRepository is the store capability used by cache population and reads.
type MetricCacheRepository interface {
	// CountCached counts rows for station and hash with year in [startYear, endYear]
	// across the known metrics.
	CountCached(ctx context.Context, stationID, sha256 string, startYear, endYear int) (int, error)

	// WithStationLock runs fn while holding the exclusive lock for stationID.
	// The lock is released on every return path. Waiting is bounded; a timeout
	// yields *models.LockError. fn must use store, not the repository, for
	// reads and writes made under the lock.
	WithStationLock(ctx context.Context, stationID string, fn func(ctx context.Context, store StationStore) error) error

	// UpsertRows writes all rows in one transaction keyed by (station_id, metric, year).
	UpsertRows(ctx context.Context, rows []*models.CacheRow) error

	// SelectCached returns rows matching station, hash, year range and metrics.
	SelectCached(ctx context.Context, stationID, sha256 string, startYear, endYear int, metrics []models.Metric) ([]*models.CacheRow, error)

	HealthCheck(ctx context.Context) error
}

// StationStore is the store as seen by the holder of a station lock. On
// Postgres it runs on the lock's own session, so the holder never waits on
// the pool while keeping a connection reserved.
type StationStore interface {
	CountCached(ctx context.Context, stationID, sha256 string, startYear, endYear int) (int, error)
	UpsertRows(ctx context.Context, rows []*models.CacheRow) error
}

// LockOptions bounds station lock acquisition.
type LockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultLockOptions are used when a zero LockOptions is supplied
var DefaultLockOptions = LockOptions{
	Timeout:      30 * time.Second,
	PollInterval: 100 * time.Millisecond,
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLockOptions.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultLockOptions.PollInterval
	}
	return o
}

const (
	countCachedQuery = `
		SELECT COUNT(*)
		FROM station_metric_cache
		WHERE station_id = $1 AND sha256 = $2 AND year BETWEEN $3 AND $4
		  AND metric = ANY($5)
	`

	selectCachedQuery = `
		SELECT station_id, metric, year, sha256, value_c, present_days, expected_days, computed_at
		FROM station_metric_cache
		WHERE station_id = $1 AND sha256 = $2 AND year BETWEEN $3 AND $4
		  AND metric = ANY($5)
		ORDER BY metric, year
	`

	upsertRowQuery = `
		INSERT INTO station_metric_cache (
			station_id, metric, year, sha256,
			value_c, present_days, expected_days, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, metric, year) DO UPDATE SET
			sha256 = EXCLUDED.sha256,
			value_c = EXCLUDED.value_c,
			present_days = EXCLUDED.present_days,
			expected_days = EXCLUDED.expected_days,
			computed_at = EXCLUDED.computed_at
	`

	tryLockQuery = `SELECT pg_try_advisory_lock(hashtext($1))`
	unlockQuery  = `SELECT pg_advisory_unlock(hashtext($1))`

	unlockTimeout = 5 * time.Second
)

// cacheRepository implements MetricCacheRepository on PostgreSQL
type cacheRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	lock    LockOptions
}

// NewCacheRepository creates a PostgreSQL-backed metric cache repository
func NewCacheRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, lock LockOptions) MetricCacheRepository {
	return &cacheRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		lock:    lock.withDefaults(),
	}
}

func metricNames(metrics []models.Metric) pq.StringArray {
	names := make(pq.StringArray, len(metrics))
	for i, m := range metrics {
		names[i] = string(m)
	}
	return names
}

// CountCached counts matching rows for the fast-path warmth check
func (r *cacheRepository) CountCached(ctx context.Context, stationID, sha256 string, startYear, endYear int) (int, error) {
	return countCached(ctx, r.db, stationID, sha256, startYear, endYear)
}

// getter is satisfied by both the pool and a reserved session.
type getter interface {
	GetContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error
}

func countCached(ctx context.Context, db getter, stationID, sha256 string, startYear, endYear int) (int, error) {
	var count int
	err := db.GetContext(ctx, "count_cached", &count, countCachedQuery,
		stationID, sha256, startYear, endYear, metricNames(models.AllMetrics))
	if err != nil {
		return 0, &models.StoreError{Op: "count", Err: err}
	}
	return count, nil
}

// SelectCached loads rows valid for the given hash
func (r *cacheRepository) SelectCached(ctx context.Context, stationID, sha256 string, startYear, endYear int, metrics []models.Metric) ([]*models.CacheRow, error) {
	var rows []*models.CacheRow
	err := r.db.SelectContext(ctx, "select_cached", &rows, selectCachedQuery,
		stationID, sha256, startYear, endYear, metricNames(metrics))
	if err != nil {
		return nil, &models.StoreError{Op: "select", Err: err}
	}
	return rows, nil
}

// UpsertRows writes every row of a population run in a single transaction
func (r *cacheRepository) UpsertRows(ctx context.Context, rows []*models.CacheRow) error {
	return r.upsert(ctx, r.db.BeginTx, rows)
}

func (r *cacheRepository) upsert(ctx context.Context, begin func(context.Context, *sql.TxOptions) (*sqlx.Tx, error), rows []*models.CacheRow) error {
	if len(rows) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_UPSERT] Cache rows committed", logging.Fields{
			"count":       len(rows),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := begin(ctx, nil)
	if err != nil {
		return &models.StoreError{Op: "begin", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PreparexContext(ctx, upsertRowQuery)
	if err != nil {
		return &models.StoreError{Op: "prepare upsert", Err: err}
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.StationID,
			string(row.Metric),
			row.Year,
			row.SHA256,
			row.ValueC,
			row.PresentDays,
			row.ExpectedDays,
			row.ComputedAt,
		)
		if err != nil {
			return &models.StoreError{Op: "upsert", Err: fmt.Errorf("%s %s %d: %w", row.StationID, row.Metric, row.Year, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		r.metrics.RecordDBError("commit_error")
		return &models.StoreError{Op: "commit", Err: err}
	}
	committed = true

	return nil
}

// sessionStore runs StationStore operations on the session holding the lock.
type sessionStore struct {
	repo    *cacheRepository
	session *database.Session
}

func (s *sessionStore) CountCached(ctx context.Context, stationID, sha256 string, startYear, endYear int) (int, error) {
	return countCached(ctx, s.session, stationID, sha256, startYear, endYear)
}

func (s *sessionStore) UpsertRows(ctx context.Context, rows []*models.CacheRow) error {
	return s.repo.upsert(ctx, s.session.BeginTx, rows)
}

// WithStationLock holds a session-level advisory lock keyed by hashtext(station_id)
// on a dedicated connection for the duration of fn. fn's store shares that connection.
func (r *cacheRepository) WithStationLock(ctx context.Context, stationID string, fn func(ctx context.Context, store StationStore) error) error {
	start := time.Now()

	session, err := r.db.Conn(ctx)
	if err != nil {
		return &models.StoreError{Op: "reserve lock session", Err: err}
	}

	if err := r.acquire(ctx, session, stationID); err != nil {
		session.Discard()
		return &models.LockError{StationID: stationID, Waited: time.Since(start), Err: err}
	}
	defer r.release(session, stationID)

	r.logger.Debug(ctx, "[REPO_LOCK] Station lock acquired", logging.Fields{
		"station_id": stationID,
		"waited_ms":  time.Since(start).Milliseconds(),
	})

	return fn(ctx, &sessionStore{repo: r, session: session})
}

func (r *cacheRepository) acquire(ctx context.Context, session *database.Session, stationID string) error {
	lockCtx, cancel := context.WithTimeout(ctx, r.lock.Timeout)
	defer cancel()

	ticker := time.NewTicker(r.lock.PollInterval)
	defer ticker.Stop()

	for {
		var locked bool
		if err := session.GetContext(lockCtx, "advisory_lock", &locked, tryLockQuery, stationID); err != nil {
			if lockCtx.Err() != nil {
				return lockCtx.Err()
			}
			return err
		}
		if locked {
			return nil
		}

		select {
		case <-lockCtx.Done():
			return lockCtx.Err()
		case <-ticker.C:
		}
	}
}

func (r *cacheRepository) release(session *database.Session, stationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var unlocked bool
	err := session.GetContext(ctx, "advisory_unlock", &unlocked, unlockQuery, stationID)
	if err != nil || !unlocked {
		// Dropping the session is the only other way to free the lock.
		r.logger.Warn(ctx, "[REPO_UNLOCK_WARNING] Advisory unlock failed, discarding session", logging.Fields{
			"station_id": stationID,
			"unlocked":   unlocked,
		})
		session.Discard()
		return
	}
	session.Close()
}

// HealthCheck performs a repository health check
func (r *cacheRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}
