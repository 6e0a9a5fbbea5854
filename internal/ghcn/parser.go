// Package ghcn decodes GHCN-Daily .dly station files and aggregates
// TMIN/TMAX samples into annual and seasonal means.
package ghcn

import (
	"strconv"
	"strings"

	"station-climate/internal/models"
)

// Fixed-width layout of a .dly record.
const (
	HeaderLen     = 21
	DaysPerLine   = 31
	DayGroupWidth = 8

	// MissingValue marks an absent daily observation.
	MissingValue = -9999

	stationEnd = 11
	yearEnd    = 15
	monthEnd   = 17
	elementEnd = 21

	valueWidth  = 5
	qflagOffset = 6
)

// Header is the fixed prefix of a record.
type Header struct {
	StationID string
	Year      int
	Month     int
	Element   models.Element
}

// DayValue is one decoded day slot. Valid is false for missing, flagged
// or out-of-calendar days; such values must not be aggregated.
type DayValue struct {
	Day    int
	Raw    int
	QFlag  byte
	ValueC float64
	Valid  bool
}

// LineElement returns the element code of a line without parsing the rest.
// ok is false when the line is shorter than a header.
func LineElement(line string) (models.Element, bool) {
	if len(line) < HeaderLen {
		return "", false
	}
	return models.Element(line[monthEnd:elementEnd]), true
}

// ParseHeader decodes the station, year, month and element of a line.
// ok is false for lines shorter than a header; those are skipped, not errors.
func ParseHeader(line string, lineNo int) (Header, bool, error) {
	if len(line) < HeaderLen {
		return Header{}, false, nil
	}

	yearText := line[stationEnd:yearEnd]
	year, err := strconv.Atoi(strings.TrimSpace(yearText))
	if err != nil {
		return Header{}, false, &models.FormatError{Line: lineNo, Field: "year", Value: yearText, Err: err}
	}

	monthText := line[yearEnd:monthEnd]
	month, err := strconv.Atoi(strings.TrimSpace(monthText))
	if err != nil {
		return Header{}, false, &models.FormatError{Line: lineNo, Field: "month", Value: monthText, Err: err}
	}
	if month < 1 || month > 12 {
		return Header{}, false, &models.FormatError{Line: lineNo, Field: "month", Value: monthText}
	}

	return Header{
		StationID: strings.TrimSpace(line[:stationEnd]),
		Year:      year,
		Month:     month,
		Element:   models.Element(line[monthEnd:elementEnd]),
	}, true, nil
}

// ParseDays decodes the day slots following a header. Scanning stops at the
// first slot that does not fit in the line; trailing slots may be absent.
func ParseDays(line string, h Header, lineNo int) ([]DayValue, error) {
	dim := DaysInMonth(h.Year, h.Month)
	days := make([]DayValue, 0, DaysPerLine)

	for day := 1; day <= DaysPerLine; day++ {
		base := HeaderLen + (day-1)*DayGroupWidth
		if base+DayGroupWidth > len(line) {
			break
		}

		valueText := line[base : base+valueWidth]
		raw, err := strconv.Atoi(strings.TrimSpace(valueText))
		if err != nil {
			return nil, &models.FormatError{Line: lineNo, Field: "value", Value: valueText, Err: err}
		}

		dv := DayValue{
			Day:   day,
			Raw:   raw,
			QFlag: line[base+qflagOffset],
		}
		if raw != MissingValue && dv.QFlag == ' ' && day <= dim {
			dv.Valid = true
			dv.ValueC = float64(raw) / 10.0
		}
		days = append(days, dv)
	}

	return days, nil
}

// ParseLine decodes a full line for the requested elements. ok is false when
// the line is too short or carries an element that was not requested.
func ParseLine(line string, lineNo int, elements map[models.Element]bool) (Header, []DayValue, bool, error) {
	el, ok := LineElement(line)
	if !ok || !elements[el] {
		return Header{}, nil, false, nil
	}

	h, ok, err := ParseHeader(line, lineNo)
	if err != nil || !ok {
		return Header{}, nil, false, err
	}

	days, err := ParseDays(line, h, lineNo)
	if err != nil {
		return Header{}, nil, false, err
	}
	return h, days, true, nil
}
