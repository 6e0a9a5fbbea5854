package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"station-climate/internal/ghcn"
	"station-climate/internal/models"
	"station-climate/internal/repository"
	"station-climate/internal/source"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

const testStation = "USC00011084"

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// monthLine renders one .dly record with every real day of the month set to tenths.
func monthLine(year, month int, element models.Element, tenths int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s%04d%02d%-4s", testStation, year, month, element)
	dim := ghcn.DaysInMonth(year, month)
	for day := 1; day <= ghcn.DaysPerLine; day++ {
		v := tenths
		if day > dim {
			v = ghcn.MissingValue
		}
		fmt.Fprintf(&b, "%5d   ", v)
	}
	return b.String()
}

// yearLines renders TMIN and TMAX for every month of each year.
func yearLines(from, to, tmin, tmax int) []string {
	var lines []string
	for y := from; y <= to; y++ {
		for m := 1; m <= 12; m++ {
			lines = append(lines,
				monthLine(y, m, models.ElementTMIN, tmin),
				monthLine(y, m, models.ElementTMAX, tmax))
		}
	}
	return lines
}

func fileOf(lines ...string) *source.File {
	return source.FromBytes(testStation, []byte(strings.Join(lines, "\n")+"\n"))
}

type fixture struct {
	repo    *repository.MemoryRepository
	svc     *CacheService
	metrics *metrics.Collector
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, lockTimeout time.Duration, opts ...CacheServiceOption) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository(lockTimeout)
	return newFixtureWithRepo(t, repo, repo, opts...)
}

func newFixtureWithRepo(t *testing.T, mem *repository.MemoryRepository, repo repository.MetricCacheRepository, opts ...CacheServiceOption) *fixture {
	t.Helper()
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	clock := clockwork.NewFakeClockAt(epoch)
	opts = append([]CacheServiceOption{WithClock(clock)}, opts...)
	return &fixture{
		repo:    mem,
		svc:     NewCacheService(repo, logging.NewDiscardLogger(), collector, opts...),
		metrics: collector,
		clock:   clock,
	}
}

func (f *fixture) populations(outcome string) int {
	return int(testutil.ToFloat64(f.metrics.PopulationsTotal.WithLabelValues(outcome)))
}

// countingRepo counts commits made under the station lock.
type countingRepo struct {
	repository.MetricCacheRepository
	upserts int32
}

func (r *countingRepo) WithStationLock(ctx context.Context, stationID string, fn func(context.Context, repository.StationStore) error) error {
	return r.MetricCacheRepository.WithStationLock(ctx, stationID, func(ctx context.Context, store repository.StationStore) error {
		return fn(ctx, &countingStore{StationStore: store, upserts: &r.upserts})
	})
}

type countingStore struct {
	repository.StationStore
	upserts *int32
}

func (s *countingStore) UpsertRows(ctx context.Context, rows []*models.CacheRow) error {
	atomic.AddInt32(s.upserts, 1)
	return s.StationStore.UpsertRows(ctx, rows)
}

// failingRepo rejects every commit.
type failingRepo struct {
	repository.MetricCacheRepository
	err error
}

func (r *failingRepo) WithStationLock(ctx context.Context, stationID string, fn func(context.Context, repository.StationStore) error) error {
	return r.MetricCacheRepository.WithStationLock(ctx, stationID, func(ctx context.Context, store repository.StationStore) error {
		return fn(ctx, &failingStore{StationStore: store, err: r.err})
	})
}

type failingStore struct {
	repository.StationStore
	err error
}

func (s *failingStore) UpsertRows(context.Context, []*models.CacheRow) error {
	return &models.StoreError{Op: "commit", Err: s.err}
}

// slowLockRepo advances the fake clock before granting the lock.
type slowLockRepo struct {
	repository.MetricCacheRepository
	clock *clockwork.FakeClock
	wait  time.Duration
}

func (r *slowLockRepo) WithStationLock(ctx context.Context, stationID string, fn func(context.Context, repository.StationStore) error) error {
	r.clock.Advance(r.wait)
	return r.MetricCacheRepository.WithStationLock(ctx, stationID, fn)
}
