package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"station-climate/internal/source"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

// Warm run outcomes recorded on WarmerRunsTotal.
const (
	WarmOK     = "ok"
	WarmFailed = "failed"
)

const (
	defaultWarmInterval = 6 * time.Hour
	warmStationTimeout  = 5 * time.Minute
)

// WarmerConfig selects the stations and years kept warm
type WarmerConfig struct {
	Stations  []string
	Interval  time.Duration
	StartYear int
	EndYear   int
}

// Warmer periodically populates the cache for a fixed station list
type Warmer struct {
	scheduler *gocron.Scheduler
	service   *CacheService
	provider  source.Provider
	cfg       WarmerConfig
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewWarmer creates a new cache warmer
func NewWarmer(cfg WarmerConfig, service *CacheService, provider source.Provider, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWarmInterval
	}
	return &Warmer{
		scheduler: gocron.NewScheduler(time.UTC),
		service:   service,
		provider:  provider,
		cfg:       cfg,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Start schedules RunOnce every Interval. It is a no-op without stations.
func (w *Warmer) Start() error {
	if len(w.cfg.Stations) == 0 {
		w.logger.Info(context.Background(), "[WARMER_DISABLED] No stations configured", nil)
		return nil
	}

	w.scheduler.SingletonModeAll()
	_, err := w.scheduler.Every(w.cfg.Interval).Do(func() {
		w.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	w.logger.Info(context.Background(), "[WARMER_START] Cache warmer scheduled", logging.Fields{
		"stations":   len(w.cfg.Stations),
		"interval":   w.cfg.Interval.String(),
		"start_year": w.cfg.StartYear,
		"end_year":   w.cfg.EndYear,
	})
	w.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future runs
func (w *Warmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}

// RunOnce warms every configured station concurrently and returns the number
// of stations that failed.
func (w *Warmer) RunOnce(ctx context.Context) int {
	start := time.Now()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, stationID := range w.cfg.Stations {
		stationID := stationID
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := w.warmStation(ctx, stationID); err != nil {
				w.metrics.WarmerRunsTotal.WithLabelValues(WarmFailed).Inc()
				w.logger.Error(ctx, "[WARMER_STATION_ERROR] Warm run failed", logging.Fields{
					"station_id": stationID,
				}, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			w.metrics.WarmerRunsTotal.WithLabelValues(WarmOK).Inc()
		}()
	}
	wg.Wait()

	w.logger.Info(ctx, "[WARMER_COMPLETE] Warm run finished", logging.Fields{
		"stations":    len(w.cfg.Stations),
		"failed":      failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return failed
}

func (w *Warmer) warmStation(ctx context.Context, stationID string) error {
	ctx, cancel := context.WithTimeout(ctx, warmStationTimeout)
	defer cancel()

	src, err := w.provider.Fetch(ctx, stationID)
	if err != nil {
		return err
	}
	_, err = w.service.EnsurePopulated(ctx, stationID, src, w.cfg.StartYear, w.cfg.EndYear)
	return err
}
