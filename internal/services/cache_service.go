package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"station-climate/internal/ghcn"
	"station-climate/internal/models"
	"station-climate/internal/repository"
	"station-climate/internal/source"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

// malformedLogLimit caps per-run warnings for skipped lines; the rest are only counted.
const malformedLogLimit = 5

// CacheService populates and reads the station metric cache
type CacheService struct {
	repo    repository.MetricCacheRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	clock   clockwork.Clock
	policy  ghcn.Policy
}

// CacheServiceOption customises a CacheService
type CacheServiceOption func(*CacheService)

// WithClock sets the clock used for computed_at timestamps
func WithClock(clock clockwork.Clock) CacheServiceOption {
	return func(s *CacheService) { s.clock = clock }
}

// WithPolicy sets the malformed-line policy
func WithPolicy(policy ghcn.Policy) CacheServiceOption {
	return func(s *CacheService) { s.policy = policy }
}

// NewCacheService creates a new cache service
func NewCacheService(repo repository.MetricCacheRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...CacheServiceOption) *CacheService {
	s := &CacheService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
		clock:   clockwork.NewRealClock(),
		policy:  ghcn.SkipMalformed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PopulateResult describes one EnsurePopulated call
type PopulateResult struct {
	StationID    string
	SHA256       string
	StartYear    int
	EndYear      int
	Outcome      string
	RowsWritten  int
	LinesSkipped int
	Warnings     []string
	Duration     time.Duration
}

// ExpectedRows is the row count of a fully warm cache for a year range
func ExpectedRows(startYear, endYear int) int {
	return len(models.AllMetrics) * (endYear - startYear + 1)
}

func validateRange(startYear, endYear int) error {
	if startYear > endYear {
		return &models.ValidationError{
			Field:   "year_range",
			Value:   fmt.Sprintf("%d-%d", startYear, endYear),
			Message: fmt.Sprintf("start year %d is after end year %d", startYear, endYear),
		}
	}
	return nil
}

// EnsurePopulated guarantees that every (metric, year) in [startYear, endYear]
// has a row computed from src's current content hash. Concurrent callers for
// the same station perform at most one aggregation pass.
func (s *CacheService) EnsurePopulated(ctx context.Context, stationID string, src *source.File, startYear, endYear int) (*PopulateResult, error) {
	if err := validateRange(startYear, endYear); err != nil {
		return nil, err
	}

	ctx = logging.WithStationID(ctx, stationID)
	start := s.clock.Now()
	result := &PopulateResult{
		StationID: stationID,
		SHA256:    src.ContentHash(),
		StartYear: startYear,
		EndYear:   endYear,
	}
	expected := ExpectedRows(startYear, endYear)

	count, err := s.repo.CountCached(ctx, stationID, result.SHA256, startYear, endYear)
	if err != nil {
		return nil, s.fail(ctx, result, err)
	}
	if count >= expected {
		result.Outcome = metrics.OutcomeWarm
		result.Duration = s.clock.Since(start)
		s.metrics.RecordPopulation(result.Outcome)
		return result, nil
	}

	s.logger.Info(ctx, "[CACHE_POPULATE_START] Cache incomplete, acquiring station lock", logging.Fields{
		"sha256":        result.SHA256,
		"start_year":    startYear,
		"end_year":      endYear,
		"cached_rows":   count,
		"expected_rows": expected,
	})

	lockRequested := s.clock.Now()
	err = s.repo.WithStationLock(ctx, stationID, func(ctx context.Context, store repository.StationStore) error {
		s.metrics.LockWaitDuration.Observe(s.clock.Since(lockRequested).Seconds())

		// Another holder may have finished while we waited.
		count, err := store.CountCached(ctx, stationID, result.SHA256, startYear, endYear)
		if err != nil {
			return err
		}
		if count >= expected {
			result.Outcome = metrics.OutcomeWarmAfterLock
			return nil
		}

		rows, err := s.compute(ctx, stationID, src, result)
		if err != nil {
			return err
		}
		if err := store.UpsertRows(ctx, rows); err != nil {
			return err
		}

		result.Outcome = metrics.OutcomeComputed
		result.RowsWritten = len(rows)
		s.metrics.RowsUpsertedTotal.Add(float64(len(rows)))
		return nil
	})
	if err != nil {
		var lockErr *models.LockError
		if errors.As(err, &lockErr) {
			s.metrics.LockFailuresTotal.Inc()
		}
		return nil, s.fail(ctx, result, err)
	}

	result.Duration = s.clock.Since(start)
	s.metrics.RecordPopulation(result.Outcome)

	s.logger.Info(ctx, "[CACHE_POPULATE_COMPLETE] Station cache ready", logging.Fields{
		"sha256":        result.SHA256,
		"outcome":       result.Outcome,
		"rows_written":  result.RowsWritten,
		"lines_skipped": result.LinesSkipped,
		"duration_ms":   result.Duration.Milliseconds(),
	})

	return result, nil
}

func (s *CacheService) fail(ctx context.Context, result *PopulateResult, err error) error {
	s.metrics.RecordPopulation(metrics.OutcomeFailed)
	s.logger.Error(ctx, "[CACHE_POPULATE_ERROR] Cache population failed", logging.Fields{
		"sha256":     result.SHA256,
		"start_year": result.StartYear,
		"end_year":   result.EndYear,
		"transient":  models.IsTransient(err),
	}, err)
	return fmt.Errorf("populate %s %d-%d: %w", result.StationID, result.StartYear, result.EndYear, err)
}

// compute runs one parse and aggregation pass and shapes the output into cache rows.
func (s *CacheService) compute(ctx context.Context, stationID string, src *source.File, result *PopulateResult) ([]*models.CacheRow, error) {
	timer := s.metrics.NewTimer(s.metrics.ComputationDuration)
	defer timer.ObserveDuration()

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer rc.Close()

	logged := 0
	means, err := ghcn.ComputeMeans(rc, ghcn.Options{
		StartYear: result.StartYear,
		EndYear:   result.EndYear,
		Elements:  ghcn.DefaultElements,
		Policy:    s.policy,
		OnMalformed: func(fe *models.FormatError) {
			s.metrics.MalformedLinesTotal.Inc()
			if logged < malformedLogLimit {
				logged++
				s.logger.Warn(ctx, "[CACHE_MALFORMED_LINE] Skipping malformed line", logging.Fields{
					"line":  fe.Line,
					"field": fe.Field,
					"value": fe.Value,
				})
			}
		},
	})
	if err != nil {
		return nil, err
	}

	result.LinesSkipped = means.LinesSkipped
	result.Warnings = means.Warnings
	if means.LinesSkipped > logged {
		s.logger.Warn(ctx, "[CACHE_MALFORMED_SUMMARY] Malformed lines skipped", logging.Fields{
			"lines_skipped": means.LinesSkipped,
			"lines_logged":  logged,
		})
	}
	for _, w := range means.Warnings {
		s.logger.Warn(ctx, "[CACHE_NO_SAMPLES] "+w, logging.Fields{"sha256": result.SHA256})
	}

	computedAt := s.clock.Now().UTC()
	rows := make([]*models.CacheRow, 0, ExpectedRows(result.StartYear, result.EndYear))
	for _, metric := range means.Metrics {
		for _, p := range means.Series[metric] {
			rows = append(rows, &models.CacheRow{
				StationID:    stationID,
				Metric:       metric,
				Year:         p.Year,
				SHA256:       result.SHA256,
				ValueC:       p.ValueC,
				PresentDays:  p.PresentDays,
				ExpectedDays: p.ExpectedDays,
				ComputedAt:   computedAt,
			})
		}
	}
	return rows, nil
}

// LoadSeries returns one dense series per metric with exactly one point per
// year in [startYear, endYear]. Years without a row for sha256 are
// placeholders with a nil value and zero day counts. An empty metric list
// selects every metric.
func (s *CacheService) LoadSeries(ctx context.Context, stationID, sha256 string, startYear, endYear int, metricList []models.Metric) ([]models.Series, error) {
	if err := validateRange(startYear, endYear); err != nil {
		return nil, err
	}
	if len(metricList) == 0 {
		metricList = models.AllMetrics
	}

	rows, err := s.repo.SelectCached(ctx, stationID, sha256, startYear, endYear, metricList)
	if err != nil {
		return nil, fmt.Errorf("load series %s: %w", stationID, err)
	}

	type key struct {
		metric models.Metric
		year   int
	}
	byKey := make(map[key]*models.CacheRow, len(rows))
	for _, row := range rows {
		byKey[key{row.Metric, row.Year}] = row
	}

	hits, gaps := 0, 0
	series := make([]models.Series, 0, len(metricList))
	for _, metric := range metricList {
		points := make([]models.MeanPoint, 0, endYear-startYear+1)
		for y := startYear; y <= endYear; y++ {
			if row, ok := byKey[key{metric, y}]; ok {
				points = append(points, row.Point())
				hits++
				continue
			}
			points = append(points, models.MeanPoint{Year: y})
			gaps++
		}
		series = append(series, models.Series{Key: metric, SHA256: sha256, Points: points})
	}
	s.metrics.RecordSeriesPoints(hits, gaps)

	return series, nil
}

// HealthCheck reports whether the backing store is reachable
func (s *CacheService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
