package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"station-climate/internal/models"
	"station-climate/internal/services"
	"station-climate/internal/source"
	"station-climate/pkg/logging"
	"station-climate/pkg/metrics"
)

const (
	seriesEndpoint  = "/api/stations/{station_id}/series"
	requestIDHeader = "X-Request-ID"

	// DefaultMaxYearSpan applies when NewSeriesHandler is given a non-positive span.
	DefaultMaxYearSpan = 200
)

// SeriesHandler serves cached station metric series
type SeriesHandler struct {
	cache    *services.CacheService
	provider source.Provider
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector

	maxYearSpan int
}

// NewSeriesHandler creates a new series handler. maxYearSpan bounds the number
// of years a single request may populate.
func NewSeriesHandler(
	cache *services.CacheService,
	provider source.Provider,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	maxYearSpan int,
) *SeriesHandler {
	if maxYearSpan <= 0 {
		maxYearSpan = DefaultMaxYearSpan
	}
	return &SeriesHandler{
		cache:       cache,
		provider:    provider,
		logger:      logger,
		metrics:     metricsCollector,
		maxYearSpan: maxYearSpan,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// SeriesResponse is the body of a successful series request
type SeriesResponse struct {
	StationID string          `json:"station_id"`
	SHA256    string          `json:"sha256"`
	StartYear int             `json:"start_year"`
	EndYear   int             `json:"end_year"`
	Series    []models.Series `json:"series"`
}

// GetSeries handles GET /api/stations/{station_id}/series
func (h *SeriesHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(seriesEndpoint).Observe(time.Since(startTime).Seconds())
	}()

	stationID := mux.Vars(r)["station_id"]
	query := r.URL.Query()

	startYear, err := parseYear(query.Get("start_year"), "start_year")
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	endYear, err := parseYear(query.Get("end_year"), "end_year")
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	if span := endYear - startYear + 1; span > h.maxYearSpan {
		h.sendFailure(w, r, &models.ValidationError{
			Field:   "year_range",
			Value:   fmt.Sprintf("%d-%d", startYear, endYear),
			Message: fmt.Sprintf("year range spans %d years, at most %d allowed", span, h.maxYearSpan),
		})
		return
	}
	metricList, err := parseMetrics(query.Get("metrics"))
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	src, err := h.provider.Fetch(ctx, stationID)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	if _, err := h.cache.EnsurePopulated(ctx, stationID, src, startYear, endYear); err != nil {
		h.sendFailure(w, r, err)
		return
	}

	series, err := h.cache.LoadSeries(ctx, stationID, src.ContentHash(), startYear, endYear, metricList)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}

	h.metrics.RecordAPIRequest(seriesEndpoint, r.Method, "200")
	h.sendJSON(w, SeriesResponse{
		StationID: stationID,
		SHA256:    src.ContentHash(),
		StartYear: startYear,
		EndYear:   endYear,
		Series:    series,
	}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *SeriesHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.cache.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Store unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

func parseYear(raw, field string) (int, error) {
	if raw == "" {
		return 0, &models.ValidationError{Field: field, Message: field + " is required"}
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year < 1 || year > 9999 {
		return 0, &models.ValidationError{
			Field:   field,
			Value:   raw,
			Message: "invalid " + field + ", expected a four-digit year",
		}
	}
	return year, nil
}

// parseMetrics parses a comma-separated metric list, dropping duplicates.
// An empty list selects every metric.
func parseMetrics(raw string) ([]models.Metric, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	seen := make(map[models.Metric]bool)
	var out []models.Metric
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m, err := models.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	var validationErr *models.ValidationError
	var lockErr *models.LockError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, models.ErrSourceUnavailable):
		return http.StatusNotFound, "source_unavailable"
	case errors.As(err, &lockErr):
		return http.StatusServiceUnavailable, "lock_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *SeriesHandler) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, errorType := statusFor(err)
	h.metrics.RecordAPIError(errorType, seriesEndpoint)

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error(r.Context(), "[API_GET_SERIES_ERROR] Failed to serve series", logging.Fields{
			"path": r.URL.Path,
		}, err)
		message = "failed to retrieve series"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}

	h.sendError(w, r, message, status)
}

// sendJSON sends a JSON response
func (h *SeriesHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *SeriesHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(seriesEndpoint, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   message,
		Code:      statusCode,
		RequestID: logging.RequestID(r.Context()),
	}

	h.sendJSON(w, response, statusCode)
}

// RequestID propagates X-Request-ID, generating one when absent, into the
// response header and the logging context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// RegisterRoutes registers all series API routes
func (h *SeriesHandler) RegisterRoutes(router *mux.Router) {
	router.Use(RequestID)
	router.HandleFunc(seriesEndpoint, h.GetSeries).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
}
