// Package period provides pure calendar-period arithmetic.
// All functions are deterministic - same input always produces same output.
// Windows are aligned to UTC calendar boundaries.
package period

import (
	"fmt"
	"time"
)

// Granularity identifies a calendar period length.
type Granularity string

const (
	Minute   Granularity = "minute"
	Hour     Granularity = "hour"
	Day      Granularity = "day"
	Week     Granularity = "week"
	Month    Granularity = "month"
	Year     Granularity = "year"
	Eternity Granularity = "eternity"
)

// All lists every granularity from finest to coarsest.
var All = []Granularity{Minute, Hour, Day, Week, Month, Year, Eternity}

// NoReset is the sentinel returned by Remaining for windows that never end.
const NoReset = -1

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// eternityStart is the epoch; eternity windows never end.
var eternityStart = time.Unix(0, 0).UTC()

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case Minute, Hour, Day, Week, Month, Year, Eternity:
		return true
	}
	return false
}

// Bounds returns the window of granularity g containing t.
// Weeks run Monday 00:00 to the next Monday 00:00. Eternity is
// [epoch, +inf); its End is the zero time and must not be compared.
// This is a PURE function.
func Bounds(g Granularity, t time.Time) Window {
	t = t.UTC()
	switch g {
	case Minute:
		start := t.Truncate(time.Minute)
		return Window{Start: start, End: start.Add(time.Minute)}
	case Hour:
		start := t.Truncate(time.Hour)
		return Window{Start: start, End: start.Add(time.Hour)}
	case Day:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	case Week:
		// time.Weekday puts Sunday at 0; shift so Monday is day 0.
		days := (int(t.Weekday()) + 6) % 7
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	case Month:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	case Year:
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return Window{Start: start, End: start.AddDate(1, 0, 0)}
	case Eternity:
		return Window{Start: eternityStart}
	}
	return Window{}
}

// Remaining returns the whole seconds left in the window of g containing t,
// rounded up. Eternity yields NoReset.
// This is a PURE function.
func Remaining(g Granularity, t time.Time) int64 {
	if g == Eternity {
		return NoReset
	}
	w := Bounds(g, t)
	d := w.End.Sub(t.UTC())
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}

// Format returns the compact tag identifying the window of g containing t,
// as embedded in counter keys: minute 200601021504, hour 2006010215,
// day/week/month/year 20060102 of the window start. Eternity has no tag.
// This is a PURE function.
func Format(g Granularity, t time.Time) string {
	start := Bounds(g, t).Start
	switch g {
	case Minute:
		return start.Format("200601021504")
	case Hour:
		return start.Format("2006010215")
	case Day, Week, Month, Year:
		return start.Format("20060102")
	}
	return ""
}

// ParseTag converts a compact period tag back to the window start.
// The empty tag is only valid for eternity.
func ParseTag(g Granularity, tag string) (time.Time, error) {
	var layout string
	switch g {
	case Minute:
		layout = "200601021504"
	case Hour:
		layout = "2006010215"
	case Day, Week, Month, Year:
		layout = "20060102"
	case Eternity:
		if tag != "" {
			return time.Time{}, fmt.Errorf("eternity takes no period tag, got %q", tag)
		}
		return eternityStart, nil
	default:
		return time.Time{}, fmt.Errorf("unknown granularity %q", g)
	}
	start, err := time.ParseInLocation(layout, tag, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period tag %q: %w", tag, err)
	}
	return start, nil
}
