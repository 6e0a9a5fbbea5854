package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"station-climate/internal/config"
	"station-climate/internal/models"
	"station-climate/internal/repository"
	"station-climate/internal/services"
	"station-climate/internal/source"
	"station-climate/pkg/database"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

func main() {
	stationID := flag.String("station", "", "GHCN station id, e.g. USC00011084 (required)")
	filePath := flag.String("file", "", "Read this .dly file instead of the configured source")
	startYear := flag.Int("start", 0, "First year, inclusive (required)")
	endYear := flag.Int("end", 0, "Last year, inclusive (required)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall deadline for the run")
	flag.Parse()

	if *stationID == "" || *startYear == 0 || *endYear == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-climate-populate", "1.0.0", cfg.Logging.LogLevel())
	metricsCollector := metrics.NewCollector("station_climate_populate")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger.Info(ctx, "[POPULATE_START] Starting cache population", logging.Fields{
		"station_id": *stationID,
		"file":       *filePath,
		"start_year": *startYear,
		"end_year":   *endYear,
	})

	var src *source.File
	if *filePath != "" {
		src, err = source.FromPath(*stationID, *filePath)
	} else {
		provider := source.NewHTTPProvider(cfg.Source.CacheDir(), cfg.Source.BaseURL,
			&http.Client{Timeout: cfg.Source.HTTPTimeout}, logger, metricsCollector)
		src, err = provider.Fetch(ctx, *stationID)
	}
	if err != nil {
		logger.Fatal(ctx, "[POPULATE_ERROR] Failed to resolve station file", logging.Fields{
			"station_id": *stationID,
		}, err)
	}

	db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[POPULATE_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	cacheRepo := repository.NewCacheRepository(db, logger, metricsCollector, repository.LockOptions{
		Timeout:      cfg.Cache.LockTimeout,
		PollInterval: cfg.Cache.LockPollInterval,
	})
	cacheService := services.NewCacheService(cacheRepo, logger, metricsCollector,
		services.WithPolicy(cfg.Cache.MalformedPolicy))

	result, err := cacheService.EnsurePopulated(ctx, *stationID, src, *startYear, *endYear)
	if err != nil {
		code := 1
		if models.IsTransient(err) {
			code = 75 // EX_TEMPFAIL
		}
		fmt.Fprintf(os.Stderr, "Population failed: %v\n", err)
		db.Close()
		os.Exit(code)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("POPULATION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Station:        %s\n", result.StationID)
	fmt.Printf("SHA-256:        %s\n", result.SHA256)
	fmt.Printf("Years:          %d-%d\n", result.StartYear, result.EndYear)
	fmt.Printf("Outcome:        %s\n", result.Outcome)
	fmt.Printf("Rows Written:   %d\n", result.RowsWritten)
	fmt.Printf("Lines Skipped:  %d\n", result.LinesSkipped)
	fmt.Printf("Duration:       %v\n", result.Duration)
	for _, w := range result.Warnings {
		fmt.Printf("Warning:        %s\n", w)
	}
}
