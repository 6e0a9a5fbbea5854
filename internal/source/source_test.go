package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-climate/internal/models"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

const station = "USC00011084"

var body = []byte("USC00011084202001TMAX  100  X   200  X\n")

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func newCollector() *metrics.Collector {
	return metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
}

func readAll(t *testing.T, f *File) []byte {
	t.Helper()
	rc, err := f.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFromBytes(t *testing.T) {
	f := FromBytes(station, body)
	assert.Equal(t, sum(body), f.ContentHash())
	assert.Equal(t, body, readAll(t, f))
}

func TestFile_OpenHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FromBytes(station, body).Open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateStationID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"USC00011084", true},
		{"usw00094728", true},
		{"USC0001108", false},
		{"USC000110845", false},
		{"USC0001108/", false},
		{"../../etc/p", false},
		{"", false},
	}

	for _, tt := range tests {
		err := ValidateStationID(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
			continue
		}
		var ve *models.ValidationError
		assert.ErrorAs(t, err, &ve, tt.id)
	}
}

func TestLocalProvider_FetchWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, station+".dly"), body, 0o644))
	collector := newCollector()

	p := NewLocalProvider(dir, logging.NewDiscardLogger(), collector)
	f, err := p.Fetch(context.Background(), station)
	require.NoError(t, err)

	assert.Equal(t, sum(body), f.ContentHash())
	assert.Equal(t, body, readAll(t, f))

	sidecar, err := os.ReadFile(filepath.Join(dir, station+".sha256"))
	require.NoError(t, err)
	assert.Equal(t, sum(body)+"\n", string(sidecar))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchesTotal.WithLabelValues(OutcomeLocal)))
}

func TestLocalProvider_TrustsFreshSidecar(t *testing.T) {
	dir := t.TempDir()
	dly := filepath.Join(dir, station+".dly")
	require.NoError(t, os.WriteFile(dly, body, 0o644))
	fake := sum([]byte("other"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, station+".sha256"), []byte(fake), 0o644))

	f, err := NewLocalProvider(dir, logging.NewDiscardLogger(), newCollector()).Fetch(context.Background(), station)
	require.NoError(t, err)
	assert.Equal(t, fake, f.ContentHash())
}

func TestLocalProvider_IgnoresStaleSidecar(t *testing.T) {
	dir := t.TempDir()
	dly := filepath.Join(dir, station+".dly")
	sidecar := filepath.Join(dir, station+".sha256")
	require.NoError(t, os.WriteFile(dly, body, 0o644))
	require.NoError(t, os.WriteFile(sidecar, []byte(sum([]byte("other"))), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(sidecar, old, old))

	f, err := NewLocalProvider(dir, logging.NewDiscardLogger(), newCollector()).Fetch(context.Background(), station)
	require.NoError(t, err)
	assert.Equal(t, sum(body), f.ContentHash())
}

func TestLocalProvider_Missing(t *testing.T) {
	collector := newCollector()
	_, err := NewLocalProvider(t.TempDir(), logging.NewDiscardLogger(), collector).Fetch(context.Background(), station)
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchesTotal.WithLabelValues(OutcomeUnavailable)))
}

func TestHTTPProvider_DownloadsOnceThenServesLocal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/"+station+".dly" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	collector := newCollector()
	p := NewHTTPProvider(dir, srv.URL+"/", srv.Client(), logging.NewDiscardLogger(), collector)

	f, err := p.Fetch(context.Background(), station)
	require.NoError(t, err)
	assert.Equal(t, sum(body), f.ContentHash())
	assert.Equal(t, filepath.Join(dir, station+".dly"), f.Path)
	assert.Equal(t, body, readAll(t, f))

	_, err = os.Stat(filepath.Join(dir, station+".dly.part"))
	assert.True(t, os.IsNotExist(err))

	f2, err := p.Fetch(context.Background(), station)
	require.NoError(t, err)
	assert.Equal(t, f.ContentHash(), f2.ContentHash())

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchesTotal.WithLabelValues(OutcomeDownloaded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchesTotal.WithLabelValues(OutcomeLocal)))
}

func TestHTTPProvider_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	p := NewHTTPProvider(dir, srv.URL, srv.Client(), logging.NewDiscardLogger(), newCollector())

	_, err := p.Fetch(context.Background(), station)
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)

	_, statErr := os.Stat(filepath.Join(dir, station+".dly"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPProvider_ServerErrorLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	collector := newCollector()
	p := NewHTTPProvider(dir, srv.URL, srv.Client(), logging.NewDiscardLogger(), collector)

	_, err := p.Fetch(context.Background(), station)
	require.Error(t, err)
	assert.ErrorIs(t, err, errServerError)
	assert.NotErrorIs(t, err, models.ErrSourceUnavailable)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchesTotal.WithLabelValues(OutcomeError)))
}

func TestHTTPProvider_RejectsBadStationID(t *testing.T) {
	p := NewHTTPProvider(t.TempDir(), "http://127.0.0.1:0", nil, logging.NewDiscardLogger(), newCollector())

	_, err := p.Fetch(context.Background(), "../secret")
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)
}
