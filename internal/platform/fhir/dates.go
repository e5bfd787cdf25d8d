package fhir

import (
	"fmt"
	"time"
)

// DatePrecision records how much of an instant a search value or resource
// field actually specified. The compiler widens comparisons to the
// half-open interval covered by the stated precision.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionTime
)

// ParseFHIRDate parses a FHIR date/dateTime/instant literal and reports
// the precision it carried. Partial dates resolve to the start of their
// period, in UTC.
func ParseFHIRDate(s string) (time.Time, DatePrecision, error) {
	switch len(s) {
	case 4:
		t, err := time.Parse("2006", s)
		return t.UTC(), PrecisionYear, err
	case 7:
		t, err := time.Parse("2006-01", s)
		return t.UTC(), PrecisionMonth, err
	case 10:
		t, err := time.Parse("2006-01-02", s)
		return t.UTC(), PrecisionDay, err
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), PrecisionTime, nil
		}
	}
	return time.Time{}, PrecisionTime, fmt.Errorf("unparseable date %q", s)
}

// dateRange returns the half-open [start, end) interval covered by a
// value at the given precision.
func dateRange(t time.Time, p DatePrecision) (time.Time, time.Time) {
	switch p {
	case PrecisionYear:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	case PrecisionMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case PrecisionDay:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		return t, t.Add(time.Microsecond)
	}
}
