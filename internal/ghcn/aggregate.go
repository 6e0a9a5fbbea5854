package ghcn

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"station-climate/internal/models"
)

// Policy decides what happens when a line carries a malformed field.
type Policy int

const (
	// SkipMalformed drops the offending line and keeps scanning.
	SkipMalformed Policy = iota
	// AbortOnMalformed fails the whole file on the first malformed field.
	AbortOnMalformed
)

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "skip":
		return SkipMalformed, nil
	case "abort":
		return AbortOnMalformed, nil
	default:
		return SkipMalformed, fmt.Errorf("unknown malformed line policy %q (want skip or abort)", s)
	}
}

func (p Policy) String() string {
	if p == AbortOnMalformed {
		return "abort"
	}
	return "skip"
}

// DefaultElements are the elements aggregated by a population run.
var DefaultElements = []models.Element{models.ElementTMIN, models.ElementTMAX}

const maxLineBytes = 1 << 20

// Options configures ComputeMeans.
type Options struct {
	StartYear int
	EndYear   int
	Elements  []models.Element
	Policy    Policy

	// OnMalformed is called for every line dropped under SkipMalformed.
	OnMalformed func(*models.FormatError)
}

// Result holds dense per-metric series plus scan counters.
type Result struct {
	Series       map[models.Metric][]models.MeanPoint
	Metrics      []models.Metric
	LinesRead    int
	LinesSkipped int
	ValidSamples int
	Warnings     []string
}

type accumulator struct {
	sum   float64
	count int
}

func (a *accumulator) add(v float64) {
	a.sum += v
	a.count++
}

type yearKey struct {
	element models.Element
	year    int
}

type seasonKey struct {
	element models.Element
	year    int
	season  models.Season
}

// ComputeMeans streams a .dly file and returns yearly and seasonal means for
// every year in [StartYear, EndYear]. The output depends only on the bytes of r,
// the year range, the element set and the policy.
func ComputeMeans(r io.Reader, opts Options) (*Result, error) {
	if opts.StartYear > opts.EndYear {
		return nil, &models.ValidationError{
			Field:   "year_range",
			Value:   fmt.Sprintf("%d-%d", opts.StartYear, opts.EndYear),
			Message: "start year must not be after end year",
		}
	}
	elements := opts.Elements
	if len(elements) == 0 {
		elements = DefaultElements
	}
	requested := make(map[models.Element]bool, len(elements))
	for _, el := range elements {
		requested[el] = true
	}

	// December of StartYear-1 feeds StartYear's winter.
	scanFrom := opts.StartYear - 1

	yearly := make(map[yearKey]*accumulator)
	seasonal := make(map[seasonKey]*accumulator)
	result := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		result.LinesRead++
		line := scanner.Text()

		el, ok := LineElement(line)
		if !ok || !requested[el] {
			continue
		}

		h, ok, err := ParseHeader(line, lineNo)
		if err == nil && ok && (h.Year < scanFrom || h.Year > opts.EndYear) {
			continue
		}
		var days []DayValue
		if err == nil && ok {
			days, err = ParseDays(line, h, lineNo)
		}
		if err != nil {
			var fe *models.FormatError
			if opts.Policy == AbortOnMalformed || !errors.As(err, &fe) {
				return nil, err
			}
			result.LinesSkipped++
			if opts.OnMalformed != nil {
				opts.OnMalformed(fe)
			}
			continue
		}
		if !ok {
			continue
		}

		bucketYear, season, hasSeason := Classify(h.Year, h.Month)
		for _, d := range days {
			if !d.Valid {
				continue
			}
			counted := false
			if h.Year >= opts.StartYear && h.Year <= opts.EndYear {
				accumulate(yearly, yearKey{h.Element, h.Year}, d.ValueC)
				counted = true
			}
			if hasSeason && bucketYear >= opts.StartYear && bucketYear <= opts.EndYear {
				accumulate(seasonal, seasonKey{h.Element, bucketYear, season}, d.ValueC)
				counted = true
			}
			if counted {
				result.ValidSamples++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	if result.ValidSamples == 0 && result.LinesSkipped > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"no valid samples for %v in %d-%d; %d malformed lines skipped",
			elements, opts.StartYear, opts.EndYear, result.LinesSkipped))
	}

	result.Series = make(map[models.Metric][]models.MeanPoint, len(elements)*(1+len(models.Seasons)))
	for _, el := range elements {
		metric := models.YearMetric(el)
		points := make([]models.MeanPoint, 0, opts.EndYear-opts.StartYear+1)
		for y := opts.StartYear; y <= opts.EndYear; y++ {
			points = append(points, meanPoint(y, yearly[yearKey{el, y}], ExpectedDaysYear(y)))
		}
		result.Series[metric] = points
		result.Metrics = append(result.Metrics, metric)

		for _, s := range models.Seasons {
			metric := models.SeasonMetric(el, s)
			points := make([]models.MeanPoint, 0, opts.EndYear-opts.StartYear+1)
			for y := opts.StartYear; y <= opts.EndYear; y++ {
				points = append(points, meanPoint(y, seasonal[seasonKey{el, y, s}], ExpectedDaysSeason(y, s)))
			}
			result.Series[metric] = points
			result.Metrics = append(result.Metrics, metric)
		}
	}

	return result, nil
}

func accumulate[K comparable](m map[K]*accumulator, k K, v float64) {
	acc, ok := m[k]
	if !ok {
		acc = &accumulator{}
		m[k] = acc
	}
	acc.add(v)
}

func meanPoint(year int, acc *accumulator, expected int) models.MeanPoint {
	p := models.MeanPoint{Year: year, ExpectedDays: expected}
	if acc != nil && acc.count > 0 {
		mean := acc.sum / float64(acc.count)
		p.ValueC = &mean
		p.PresentDays = acc.count
	}
	return p
}
