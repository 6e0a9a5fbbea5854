package repository

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"station-climate/internal/models"
)

const lockShards = 32

type rowKey struct {
	stationID string
	metric    models.Metric
	year      int
}

// MemoryRepository is a concurrency-safe in-process MetricCacheRepository.
// Station locks are one-slot semaphores in a sharded table so that waiting
// can be bounded and cancelled.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[rowKey]models.CacheRow

	shards      [lockShards]lockShard
	lockTimeout time.Duration
}

type lockShard struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryRepository creates an empty in-memory repository.
// A non-positive lockTimeout uses DefaultLockOptions.Timeout.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockOptions.Timeout
	}
	r := &MemoryRepository{
		rows:        make(map[rowKey]models.CacheRow),
		lockTimeout: lockTimeout,
	}
	for i := range r.shards {
		r.shards[i].slots = make(map[string]chan struct{})
	}
	return r
}

func (r *MemoryRepository) slot(stationID string) chan struct{} {
	h := fnv.New32a()
	h.Write([]byte(stationID))
	shard := &r.shards[h.Sum32()%lockShards]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	ch, ok := shard.slots[stationID]
	if !ok {
		ch = make(chan struct{}, 1)
		shard.slots[stationID] = ch
	}
	return ch
}

// WithStationLock runs fn while holding the station's slot. The repository
// itself is the store handed to fn.
func (r *MemoryRepository) WithStationLock(ctx context.Context, stationID string, fn func(ctx context.Context, store StationStore) error) error {
	start := time.Now()
	ch := r.slot(stationID)

	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return &models.LockError{StationID: stationID, Waited: time.Since(start), Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return &models.LockError{StationID: stationID, Waited: time.Since(start), Err: ctx.Err()}
	}
	defer func() { <-ch }()

	return fn(ctx, r)
}

// CountCached counts rows matching station, hash and year range.
func (r *MemoryRepository) CountCached(_ context.Context, stationID, sha256 string, startYear, endYear int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, m := range models.AllMetrics {
		for y := startYear; y <= endYear; y++ {
			if row, ok := r.rows[rowKey{stationID, m, y}]; ok && row.SHA256 == sha256 {
				count++
			}
		}
	}
	return count, nil
}

// UpsertRows inserts or overwrites all rows atomically.
func (r *MemoryRepository) UpsertRows(_ context.Context, rows []*models.CacheRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range rows {
		r.rows[rowKey{row.StationID, row.Metric, row.Year}] = *row
	}
	return nil
}

// SelectCached returns copies of matching rows ordered by metric and year.
func (r *MemoryRepository) SelectCached(_ context.Context, stationID, sha256 string, startYear, endYear int, metrics []models.Metric) ([]*models.CacheRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.CacheRow
	for _, m := range metrics {
		for y := startYear; y <= endYear; y++ {
			row, ok := r.rows[rowKey{stationID, m, y}]
			if !ok || row.SHA256 != sha256 {
				continue
			}
			out = append(out, &row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

// Row returns the stored row for a key regardless of its hash.
func (r *MemoryRepository) Row(stationID string, metric models.Metric, year int) (models.CacheRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[rowKey{stationID, metric, year}]
	return row, ok
}

// Len returns the number of stored rows.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// HealthCheck always succeeds.
func (r *MemoryRepository) HealthCheck(context.Context) error {
	return nil
}
