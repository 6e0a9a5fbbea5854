// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"station-climate/internal/ghcn"
	"station-climate/internal/source"
	"station-climate/pkg/database"
	"station-climate/pkg/logging"
)

// Config holds all service settings
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Cache    CacheConfig
	Source   SourceConfig
	Warmer   WarmerConfig
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig configures the PostgreSQL pool. URL overrides the discrete fields.
type DatabaseConfig struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Postgres converts the settings into a database.Config
func (d DatabaseConfig) Postgres() *database.Config {
	return &database.Config{
		URL:             d.URL,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string
}

// LogLevel returns the parsed level, defaulting to info
func (l LoggingConfig) LogLevel() logging.LogLevel {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.InfoLevel
	}
	return level
}

// CacheConfig configures population behaviour
type CacheConfig struct {
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	MalformedPolicy  ghcn.Policy
	// MaxYearSpan caps end-start+1 for a single HTTP request.
	MaxYearSpan int
}

// SourceConfig configures where station files come from
type SourceConfig struct {
	DataDir     string
	BaseURL     string
	Download    bool
	HTTPTimeout time.Duration
}

// CacheDir is the directory holding downloaded .dly files and their sidecars
func (s SourceConfig) CacheDir() string {
	return filepath.Join(s.DataDir, "dly_cache")
}

// WarmerConfig configures the periodic cache warmer
type WarmerConfig struct {
	Stations  []string
	Interval  time.Duration
	StartYear int
	EndYear   int
}

// Enabled reports whether any station is configured for warming
func (w WarmerConfig) Enabled() bool {
	return len(w.Stations) > 0
}

// LoadConfig reads .env (if present) and the environment, applying defaults where unset
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	e := &env{}
	cfg := &Config{
		Server: ServerConfig{
			Host:         e.str("SERVER_HOST", "0.0.0.0"),
			Port:         e.int("SERVER_PORT", 8080),
			ReadTimeout:  e.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: e.duration("SERVER_WRITE_TIMEOUT", 2*time.Minute),
			IdleTimeout:  e.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:             e.str("DATABASE_URL", ""),
			Host:            e.str("DB_HOST", "localhost"),
			Port:            e.int("DB_PORT", 5432),
			User:            e.str("DB_USER", "postgres"),
			Password:        e.str("DB_PASSWORD", ""),
			Database:        e.str("DB_NAME", "station_climate"),
			SSLMode:         e.str("DB_SSLMODE", "disable"),
			MaxOpenConns:    e.int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: e.duration("DB_CONN_MAX_IDLE_TIME", time.Minute),
		},
		Logging: LoggingConfig{
			Level: e.str("LOG_LEVEL", "info"),
		},
		Cache: CacheConfig{
			LockTimeout:      e.duration("CACHE_LOCK_TIMEOUT", 30*time.Second),
			LockPollInterval: e.duration("CACHE_LOCK_POLL_INTERVAL", 100*time.Millisecond),
			MaxYearSpan:      e.int("CACHE_MAX_YEAR_SPAN", 200),
		},
		Source: SourceConfig{
			DataDir:     e.str("DATA_DIR", "./data"),
			BaseURL:     e.str("SOURCE_BASE_URL", source.DefaultBaseURL),
			Download:    e.bool("SOURCE_DOWNLOAD", true),
			HTTPTimeout: e.duration("SOURCE_HTTP_TIMEOUT", 60*time.Second),
		},
		Warmer: WarmerConfig{
			Stations:  e.list("WARM_STATIONS"),
			Interval:  e.duration("WARM_INTERVAL", 6*time.Hour),
			StartYear: e.int("WARM_START_YEAR", 0),
			EndYear:   e.int("WARM_END_YEAR", 0),
		},
	}

	policy, err := ghcn.ParsePolicy(strings.ToLower(e.str("MALFORMED_LINE_POLICY", "skip")))
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("invalid MALFORMED_LINE_POLICY: %w", err)
	}
	cfg.Cache.MalformedPolicy = policy

	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.URL == "" && c.Database.Host == "" {
		return errors.New("DB_HOST or DATABASE_URL is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if c.Cache.LockTimeout <= 0 {
		return errors.New("CACHE_LOCK_TIMEOUT must be positive")
	}
	if c.Cache.LockPollInterval <= 0 || c.Cache.LockPollInterval > c.Cache.LockTimeout {
		return errors.New("CACHE_LOCK_POLL_INTERVAL must be positive and not exceed CACHE_LOCK_TIMEOUT")
	}
	if c.Cache.MaxYearSpan <= 0 {
		return errors.New("CACHE_MAX_YEAR_SPAN must be positive")
	}
	if c.Source.DataDir == "" {
		return errors.New("DATA_DIR is required")
	}
	if c.Warmer.Enabled() {
		for _, id := range c.Warmer.Stations {
			if err := source.ValidateStationID(id); err != nil {
				return fmt.Errorf("invalid WARM_STATIONS: %w", err)
			}
		}
		if c.Warmer.StartYear <= 0 || c.Warmer.EndYear <= 0 {
			return errors.New("WARM_START_YEAR and WARM_END_YEAR are required when WARM_STATIONS is set")
		}
		if c.Warmer.StartYear > c.Warmer.EndYear {
			return errors.New("WARM_START_YEAR must not be after WARM_END_YEAR")
		}
		if c.Warmer.Interval <= 0 {
			return errors.New("WARM_INTERVAL must be positive")
		}
	}
	return nil
}

// env reads typed variables, keeping the first parse error.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
