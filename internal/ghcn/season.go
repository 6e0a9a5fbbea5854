package ghcn

import (
	"time"

	"station-climate/internal/models"
)

// Classify maps a calendar (year, month) to its seasonal bucket.
// December belongs to the following year's winter. ok is false for months outside 1..12.
func Classify(year, month int) (bucketYear int, season models.Season, ok bool) {
	switch month {
	case 3, 4, 5:
		return year, models.SeasonSpring, true
	case 6, 7, 8:
		return year, models.SeasonSummer, true
	case 9, 10, 11:
		return year, models.SeasonAutumn, true
	case 12:
		return year + 1, models.SeasonWinter, true
	case 1, 2:
		return year, models.SeasonWinter, true
	default:
		return 0, "", false
	}
}

// IsLeap applies the Gregorian leap-year rule.
func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInMonth returns the number of days in month of year, or 0 for an invalid month.
func DaysInMonth(year, month int) int {
	if month < 1 || month > 12 {
		return 0
	}
	// Day 0 of the next month normalizes to the last day of this one.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ExpectedDaysYear is the calendar denominator for an annual mean.
func ExpectedDaysYear(year int) int {
	if IsLeap(year) {
		return 366
	}
	return 365
}

// ExpectedDaysSeason is the calendar denominator for a seasonal mean.
// Winter of year y spans December of y-1 plus January and February of y.
func ExpectedDaysSeason(year int, season models.Season) int {
	switch season {
	case models.SeasonSpring:
		return DaysInMonth(year, 3) + DaysInMonth(year, 4) + DaysInMonth(year, 5)
	case models.SeasonSummer:
		return DaysInMonth(year, 6) + DaysInMonth(year, 7) + DaysInMonth(year, 8)
	case models.SeasonAutumn:
		return DaysInMonth(year, 9) + DaysInMonth(year, 10) + DaysInMonth(year, 11)
	case models.SeasonWinter:
		return DaysInMonth(year-1, 12) + DaysInMonth(year, 1) + DaysInMonth(year, 2)
	default:
		return 0
	}
}
