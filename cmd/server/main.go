package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"station-climate/internal/config"
	"station-climate/internal/handlers"
	"station-climate/internal/repository"
	"station-climate/internal/services"
	"station-climate/internal/source"
	"station-climate/pkg/database"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-climate-api", version, cfg.Logging.LogLevel())

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting station climate API server", logging.Fields{
		"version":         version,
		"server_host":     cfg.Server.Host,
		"server_port":     cfg.Server.Port,
		"db_host":         cfg.Database.Host,
		"db_name":         cfg.Database.Database,
		"data_dir":        cfg.Source.DataDir,
		"download":        cfg.Source.Download,
		"malformed_lines": cfg.Cache.MalformedPolicy.String(),
	})

	metricsCollector := metrics.NewCollector("station_climate")

	db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	cacheRepo := repository.NewCacheRepository(db, logger, metricsCollector, repository.LockOptions{
		Timeout:      cfg.Cache.LockTimeout,
		PollInterval: cfg.Cache.LockPollInterval,
	})
	cacheService := services.NewCacheService(cacheRepo, logger, metricsCollector,
		services.WithPolicy(cfg.Cache.MalformedPolicy))

	var provider source.Provider
	if cfg.Source.Download {
		provider = source.NewHTTPProvider(cfg.Source.CacheDir(), cfg.Source.BaseURL,
			&http.Client{Timeout: cfg.Source.HTTPTimeout}, logger, metricsCollector)
	} else {
		provider = source.NewLocalProvider(cfg.Source.CacheDir(), logger, metricsCollector)
	}

	warmer := services.NewWarmer(services.WarmerConfig{
		Stations:  cfg.Warmer.Stations,
		Interval:  cfg.Warmer.Interval,
		StartYear: cfg.Warmer.StartYear,
		EndYear:   cfg.Warmer.EndYear,
	}, cacheService, provider, logger, metricsCollector)
	if err := warmer.Start(); err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to schedule cache warmer", logging.Fields{}, err)
	}
	defer warmer.Stop()

	seriesHandler := handlers.NewSeriesHandler(cacheService, provider, logger, metricsCollector, cfg.Cache.MaxYearSpan)

	router := mux.NewRouter()
	seriesHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
