package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"station-climate/internal/config"
	"station-climate/migrations"
	"station-climate/pkg/database"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

func main() {
	directionFlag := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	direction, err := migrations.ParseDirection(*directionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-climate-migrate", "1.0.0", cfg.Logging.LogLevel())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewPostgresDB(cfg.Database.Postgres(), logger, metrics.NewCollector("station_climate_migrate"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	scripts, err := migrations.Scripts(direction)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load migrations: %v\n", err)
		os.Exit(1)
	}

	for _, script := range scripts {
		fmt.Printf("Running migration: %s\n", script.Name)
		if _, err := db.ExecContext(ctx, "migrate", script.SQL); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to execute migration %s: %v\n", script.Name, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Migration %s completed successfully (%d scripts)\n", direction, len(scripts))
}
