package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-climate/internal/models"
)

func memRow(metric models.Metric, year int, sha string, value float64) *models.CacheRow {
	return &models.CacheRow{
		StationID:    testStation,
		Metric:       metric,
		Year:         year,
		SHA256:       sha,
		ValueC:       floatPtr(value),
		PresentDays:  1,
		ExpectedDays: 365,
	}
}

func TestMemoryRepository_CountAndSelectFilterByHash(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()

	require.NoError(t, repo.UpsertRows(ctx, []*models.CacheRow{
		memRow(models.MetricTMinYear, 2000, "old", 1),
		memRow(models.MetricTMinYear, 2001, "old", 2),
	}))
	require.NoError(t, repo.UpsertRows(ctx, []*models.CacheRow{
		memRow(models.MetricTMinYear, 2001, "new", 3),
		memRow(models.MetricTMaxYear, 2001, "new", 4),
	}))

	count, err := repo.CountCached(ctx, testStation, "new", 2000, 2001)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = repo.CountCached(ctx, testStation, "old", 2000, 2001)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rows, err := repo.SelectCached(ctx, testStation, "new", 2000, 2001, []models.Metric{models.MetricTMinYear})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2001, rows[0].Year)
	assert.InDelta(t, 3.0, *rows[0].ValueC, 1e-9)

	// Overwritten in place, keyed by (station, metric, year).
	row, ok := repo.Row(testStation, models.MetricTMinYear, 2001)
	require.True(t, ok)
	assert.Equal(t, "new", row.SHA256)
	assert.Equal(t, 3, repo.Len())
}

func TestMemoryRepository_SelectReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()
	require.NoError(t, repo.UpsertRows(ctx, []*models.CacheRow{memRow(models.MetricTMinYear, 2000, "h", 1)}))

	rows, err := repo.SelectCached(ctx, testStation, "h", 2000, 2000, models.AllMetrics)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rows[0].PresentDays = 99

	row, _ := repo.Row(testStation, models.MetricTMinYear, 2000)
	assert.Equal(t, 1, row.PresentDays)
}

func TestMemoryRepository_StationLockIsExclusive(t *testing.T) {
	repo := NewMemoryRepository(5 * time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithStationLock(context.Background(), testStation, func(ctx context.Context, _ StationStore) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestMemoryRepository_DifferentStationsDoNotBlock(t *testing.T) {
	repo := NewMemoryRepository(time.Second)

	err := repo.WithStationLock(context.Background(), "USW00094728", func(ctx context.Context, _ StationStore) error {
		return repo.WithStationLock(ctx, testStation, func(context.Context, StationStore) error { return nil })
	})
	assert.NoError(t, err)
}

func TestMemoryRepository_LockTimeout(t *testing.T) {
	repo := NewMemoryRepository(20 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = repo.WithStationLock(context.Background(), testStation, func(context.Context, StationStore) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := repo.WithStationLock(context.Background(), testStation, func(context.Context, StationStore) error {
		t.Fatal("must not run without the lock")
		return nil
	})

	var lockErr *models.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMemoryRepository_LockReleasedAfterError(t *testing.T) {
	repo := NewMemoryRepository(50 * time.Millisecond)
	boom := errors.New("boom")

	err := repo.WithStationLock(context.Background(), testStation, func(context.Context, StationStore) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = repo.WithStationLock(context.Background(), testStation, func(context.Context, StationStore) error { return nil })
	assert.NoError(t, err)
}

func TestMemoryRepository_LockHonoursContext(t *testing.T) {
	repo := NewMemoryRepository(time.Minute)
	held := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_ = repo.WithStationLock(context.Background(), testStation, func(context.Context, StationStore) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.WithStationLock(ctx, testStation, func(context.Context, StationStore) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRepository_LockHolderStoreWritesThrough(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	ctx := context.Background()

	err := repo.WithStationLock(ctx, testStation, func(ctx context.Context, store StationStore) error {
		if err := store.UpsertRows(ctx, []*models.CacheRow{memRow(models.MetricTMaxYear, 2001, "h", 2)}); err != nil {
			return err
		}
		count, err := store.CountCached(ctx, testStation, "h", 2001, 2001)
		assert.Equal(t, 1, count)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Len())
}
