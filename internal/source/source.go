// Package source locates raw GHCN-Daily station files and fingerprints them.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"station-climate/internal/models"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

// Fetch outcomes recorded on SourceFetchesTotal.
const (
	OutcomeLocal       = "local"
	OutcomeDownloaded  = "downloaded"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

const stationIDLen = 11

// Provider resolves a station id to its raw file.
type Provider interface {
	Fetch(ctx context.Context, stationID string) (*File, error)
}

// File is a raw .dly file together with the sha256 of its bytes.
type File struct {
	StationID string
	Path      string

	data []byte
	hash string
}

// FromBytes builds an in-memory File.
func FromBytes(stationID string, data []byte) *File {
	sum := sha256.Sum256(data)
	return &File{
		StationID: stationID,
		data:      data,
		hash:      hex.EncodeToString(sum[:]),
	}
}

// FromPath builds a File backed by path, hashing its content.
func FromPath(stationID, path string) (*File, error) {
	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	return &File{StationID: stationID, Path: path, hash: hash}, nil
}

// ContentHash returns the lowercase hex sha256 of the file bytes.
func (f *File) ContentHash() string {
	return f.hash
}

// Open returns a reader over the file bytes. The caller closes it.
func (f *File) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return io.NopCloser(bytes.NewReader(f.data)), nil
	}
	return os.Open(f.Path)
}

// ValidateStationID checks the 11-character alphanumeric GHCN id format.
func ValidateStationID(stationID string) error {
	valid := len(stationID) == stationIDLen
	for i := 0; valid && i < len(stationID); i++ {
		c := stationID[i]
		valid = (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	}
	if !valid {
		return &models.ValidationError{
			Field:   "station_id",
			Value:   stationID,
			Message: fmt.Sprintf("invalid station id %q: want %d alphanumeric characters", stationID, stationIDLen),
		}
	}
	return nil
}

// LocalProvider serves <Dir>/<STATION>.dly with a <STATION>.sha256 sidecar.
type LocalProvider struct {
	Dir     string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewLocalProvider creates a provider reading station files from dir
func NewLocalProvider(dir string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *LocalProvider {
	return &LocalProvider{Dir: dir, logger: logger, metrics: metricsCollector}
}

func (p *LocalProvider) dlyPath(stationID string) string {
	return filepath.Join(p.Dir, stationID+".dly")
}

func (p *LocalProvider) sidecarPath(stationID string) string {
	return filepath.Join(p.Dir, stationID+".sha256")
}

// Fetch returns the local file for stationID or an error wrapping
// models.ErrSourceUnavailable.
func (p *LocalProvider) Fetch(ctx context.Context, stationID string) (*File, error) {
	if err := ValidateStationID(stationID); err != nil {
		return nil, err
	}
	f, err := p.open(ctx, stationID)
	switch {
	case err == nil:
		p.metrics.RecordSourceFetch(OutcomeLocal)
	case errors.Is(err, models.ErrSourceUnavailable):
		p.metrics.RecordSourceFetch(OutcomeUnavailable)
	default:
		p.metrics.RecordSourceFetch(OutcomeError)
	}
	return f, err
}

func (p *LocalProvider) open(ctx context.Context, stationID string) (*File, error) {
	path := p.dlyPath(stationID)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("station %s: %w", stationID, models.ErrSourceUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if hash, ok := p.readSidecar(stationID, info); ok {
		return &File{StationID: stationID, Path: path, hash: hash}, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.sidecarPath(stationID), []byte(hash+"\n"), 0o644); err != nil {
		p.logger.Warn(ctx, "[SOURCE_SIDECAR_WARNING] Failed to write hash sidecar", logging.Fields{
			"station_id": stationID,
			"error":      err.Error(),
		})
	}

	return &File{StationID: stationID, Path: path, hash: hash}, nil
}

// readSidecar trusts a sidecar only when it is at least as new as the data file.
func (p *LocalProvider) readSidecar(stationID string, dly fs.FileInfo) (string, bool) {
	path := p.sidecarPath(stationID)
	info, err := os.Stat(path)
	if err != nil || info.ModTime().Before(dly.ModTime()) {
		return "", false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	hash := strings.TrimSpace(string(raw))
	if len(hash) != sha256.Size*2 {
		return "", false
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", false
	}
	return strings.ToLower(hash), true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
