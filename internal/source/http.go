package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"station-climate/internal/models"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

// DefaultBaseURL is the NOAA directory holding one .dly file per station.
const DefaultBaseURL = "https://www.ncei.noaa.gov/pub/data/ghcn/daily/all"

var (
	errServerError = errors.New("server error")
	errUnexpected  = errors.New("unexpected status code")
	errCircuitOpen = errors.New("circuit breaker open")
)

// HTTPProvider serves files from a local cache directory and downloads
// missing ones from BaseURL.
type HTTPProvider struct {
	local   *LocalProvider
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewHTTPProvider creates a downloading provider. An empty baseURL uses DefaultBaseURL.
func NewHTTPProvider(dir, baseURL string, client *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ghcn-download",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing station is an answer, not an upstream failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, models.ErrSourceUnavailable)
		},
	})

	return &HTTPProvider{
		local:   NewLocalProvider(dir, logger, metricsCollector),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		circuit: cb,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Fetch returns the cached file, downloading it first when absent.
func (p *HTTPProvider) Fetch(ctx context.Context, stationID string) (*File, error) {
	if err := ValidateStationID(stationID); err != nil {
		return nil, err
	}

	f, err := p.local.open(ctx, stationID)
	if err == nil {
		p.metrics.RecordSourceFetch(OutcomeLocal)
		return f, nil
	}
	if !errors.Is(err, models.ErrSourceUnavailable) {
		p.metrics.RecordSourceFetch(OutcomeError)
		return nil, err
	}

	f, err = p.download(ctx, stationID)
	switch {
	case err == nil:
		p.metrics.RecordSourceFetch(OutcomeDownloaded)
	case errors.Is(err, models.ErrSourceUnavailable):
		p.metrics.RecordSourceFetch(OutcomeUnavailable)
	default:
		p.metrics.RecordSourceFetch(OutcomeError)
	}
	return f, err
}

func (p *HTTPProvider) download(ctx context.Context, stationID string) (*File, error) {
	url := fmt.Sprintf("%s/%s.dly", p.baseURL, stationID)
	start := time.Now()

	p.logger.Info(ctx, "[SOURCE_DOWNLOAD_START] Downloading station file", logging.Fields{
		"station_id": stationID,
		"url":        url,
	})

	if err := os.MkdirAll(p.local.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	result, err := p.circuit.Execute(func() (interface{}, error) {
		return p.fetchToDisk(ctx, url, stationID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		if !errors.Is(err, models.ErrSourceUnavailable) {
			p.logger.Error(ctx, "[SOURCE_DOWNLOAD_ERROR] Download failed", logging.Fields{
				"station_id": stationID,
				"url":        url,
			}, err)
		}
		return nil, err
	}

	f, ok := result.(*File)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}

	p.logger.Info(ctx, "[SOURCE_DOWNLOAD_COMPLETE] Station file cached", logging.Fields{
		"station_id":  stationID,
		"sha256":      f.hash,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return f, nil
}

// fetchToDisk streams the body into <STATION>.dly.part, then renames it into place.
func (p *HTTPProvider) fetchToDisk(ctx context.Context, url, stationID string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("station %s: %w", stationID, models.ErrSourceUnavailable)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
	}

	final := p.local.dlyPath(stationID)
	part := final + ".part"

	out, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", part, err)
	}
	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(out, h), resp.Body)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(part)
		if copyErr != nil {
			return nil, fmt.Errorf("failed to download %s: %w", url, copyErr)
		}
		return nil, fmt.Errorf("failed to write %s: %w", part, closeErr)
	}

	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("failed to move %s into place: %w", part, err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if err := os.WriteFile(p.local.sidecarPath(stationID), []byte(hash+"\n"), 0o644); err != nil {
		p.logger.Warn(ctx, "[SOURCE_SIDECAR_WARNING] Failed to write hash sidecar", logging.Fields{
			"station_id": stationID,
			"error":      err.Error(),
		})
	}

	return &File{StationID: stationID, Path: final, hash: hash}, nil
}
