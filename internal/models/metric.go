package models

import (
	"time"
)

// Element is a GHCN-Daily element code.
type Element string

const (
	ElementTMIN Element = "TMIN"
	ElementTMAX Element = "TMAX"
)

// Season is a meteorological season bucket.
type Season string

const (
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonAutumn Season = "autumn"
	SeasonWinter Season = "winter"
)

// Seasons lists the seasonal buckets in output order.
var Seasons = []Season{SeasonSpring, SeasonSummer, SeasonAutumn, SeasonWinter}

// Metric is a cached series key such as "tmin_winter".
type Metric string

const (
	MetricTMinYear   Metric = "tmin_year"
	MetricTMaxYear   Metric = "tmax_year"
	MetricTMinSpring Metric = "tmin_spring"
	MetricTMaxSpring Metric = "tmax_spring"
	MetricTMinSummer Metric = "tmin_summer"
	MetricTMaxSummer Metric = "tmax_summer"
	MetricTMinAutumn Metric = "tmin_autumn"
	MetricTMaxAutumn Metric = "tmax_autumn"
	MetricTMinWinter Metric = "tmin_winter"
	MetricTMaxWinter Metric = "tmax_winter"
)

// AllMetrics is the full metric surface, in canonical order.
var AllMetrics = []Metric{
	MetricTMinYear,
	MetricTMaxYear,
	MetricTMinSpring,
	MetricTMaxSpring,
	MetricTMinSummer,
	MetricTMaxSummer,
	MetricTMinAutumn,
	MetricTMaxAutumn,
	MetricTMinWinter,
	MetricTMaxWinter,
}

// YearMetric returns the annual metric for an element, e.g. TMIN -> tmin_year.
func YearMetric(el Element) Metric {
	return Metric(elementPrefix(el) + "_year")
}

// SeasonMetric returns the seasonal metric for an element, e.g. TMAX, winter -> tmax_winter.
func SeasonMetric(el Element, s Season) Metric {
	return Metric(elementPrefix(el) + "_" + string(s))
}

func elementPrefix(el Element) string {
	switch el {
	case ElementTMIN:
		return "tmin"
	case ElementTMAX:
		return "tmax"
	default:
		return string(el)
	}
}

// ParseMetric validates a metric name against the known surface.
func ParseMetric(name string) (Metric, error) {
	for _, m := range AllMetrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", &ValidationError{
		Field:   "metric",
		Value:   name,
		Message: "unknown metric: " + name,
	}
}

// MeanPoint is one aggregate for a (metric, year).
// ValueC is nil when no valid samples contributed; it is never coerced to zero.
type MeanPoint struct {
	Year         int      `json:"year" db:"year"`
	ValueC       *float64 `json:"value_c" db:"value_c"`
	PresentDays  int      `json:"present_days" db:"present_days"`
	ExpectedDays int      `json:"expected_days" db:"expected_days"`
}

// Coverage returns present/expected days, or 0 when nothing is expected.
func (p MeanPoint) Coverage() float64 {
	if p.ExpectedDays == 0 {
		return 0
	}
	return float64(p.PresentDays) / float64(p.ExpectedDays)
}

// CacheRow is a persisted MeanPoint, valid only for the content hash it was computed from.
type CacheRow struct {
	StationID    string    `json:"station_id" db:"station_id"`
	Metric       Metric    `json:"metric" db:"metric"`
	Year         int       `json:"year" db:"year"`
	SHA256       string    `json:"sha256" db:"sha256"`
	ValueC       *float64  `json:"value_c" db:"value_c"`
	PresentDays  int       `json:"present_days" db:"present_days"`
	ExpectedDays int       `json:"expected_days" db:"expected_days"`
	ComputedAt   time.Time `json:"computed_at" db:"computed_at"`
}

// Point returns the row's MeanPoint view.
func (r *CacheRow) Point() MeanPoint {
	return MeanPoint{
		Year:         r.Year,
		ValueC:       r.ValueC,
		PresentDays:  r.PresentDays,
		ExpectedDays: r.ExpectedDays,
	}
}

// Series is a dense, ascending-year run of points for one metric.
type Series struct {
	Key    Metric      `json:"key"`
	SHA256 string      `json:"sha256"`
	Points []MeanPoint `json:"points"`
}
