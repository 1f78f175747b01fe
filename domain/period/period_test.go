package period_test

import (
	"testing"
	"time"

	"github.com/artpar/meterd/domain/period"
)

func TestBounds(t *testing.T) {
	at := time.Date(2015, 12, 10, 16, 45, 30, 0, time.UTC)

	tests := []struct {
		g         period.Granularity
		wantStart time.Time
		wantEnd   time.Time
	}{
		{period.Minute, time.Date(2015, 12, 10, 16, 45, 0, 0, time.UTC), time.Date(2015, 12, 10, 16, 46, 0, 0, time.UTC)},
		{period.Hour, time.Date(2015, 12, 10, 16, 0, 0, 0, time.UTC), time.Date(2015, 12, 10, 17, 0, 0, 0, time.UTC)},
		{period.Day, time.Date(2015, 12, 10, 0, 0, 0, 0, time.UTC), time.Date(2015, 12, 11, 0, 0, 0, 0, time.UTC)},
		{period.Week, time.Date(2015, 12, 7, 0, 0, 0, 0, time.UTC), time.Date(2015, 12, 14, 0, 0, 0, 0, time.UTC)},
		{period.Month, time.Date(2015, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)},
		{period.Year, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.g), func(t *testing.T) {
			w := period.Bounds(tt.g, at)
			if !w.Start.Equal(tt.wantStart) {
				t.Errorf("Start = %v, want %v", w.Start, tt.wantStart)
			}
			if !w.End.Equal(tt.wantEnd) {
				t.Errorf("End = %v, want %v", w.End, tt.wantEnd)
			}
		})
	}
}

func TestBounds_ContainsInstant(t *testing.T) {
	instants := []time.Time{
		time.Date(2010, 5, 17, 12, 42, 0, 0, time.UTC),
		time.Date(2015, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2016, 2, 29, 6, 0, 0, 0, time.UTC), // leap day
	}

	for _, g := range period.All {
		if g == period.Eternity {
			continue
		}
		for _, at := range instants {
			w := period.Bounds(g, at)
			if at.Before(w.Start) || !at.Before(w.End) {
				t.Errorf("Bounds(%s, %v) = [%v, %v) does not contain instant", g, at, w.Start, w.End)
			}
		}
	}
}

func TestBounds_WeekStartsMonday(t *testing.T) {
	// 2015-12-14 is a Monday.
	monday := time.Date(2015, 12, 14, 0, 0, 0, 0, time.UTC)
	w := period.Bounds(period.Week, monday)
	if !w.Start.Equal(monday) {
		t.Errorf("week containing a Monday midnight should start there, got %v", w.Start)
	}

	// Sunday belongs to the week that started six days earlier.
	sunday := time.Date(2015, 12, 13, 23, 0, 0, 0, time.UTC)
	w = period.Bounds(period.Week, sunday)
	if !w.Start.Equal(time.Date(2015, 12, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v, want 2015-12-07", w.Start)
	}
}

func TestRemaining(t *testing.T) {
	at := time.Date(2015, 12, 10, 23, 59, 30, 500000000, time.UTC)

	// 29.5s to midnight rounds up to 30.
	if got := period.Remaining(period.Day, at); got != 30 {
		t.Errorf("Remaining(day) = %d, want 30", got)
	}

	exact := time.Date(2015, 12, 10, 23, 59, 30, 0, time.UTC)
	if got := period.Remaining(period.Day, exact); got != 30 {
		t.Errorf("Remaining(day, whole second) = %d, want 30", got)
	}

	if got := period.Remaining(period.Eternity, at); got != period.NoReset {
		t.Errorf("Remaining(eternity) = %d, want %d", got, period.NoReset)
	}
}

func TestFormat(t *testing.T) {
	at := time.Date(2015, 12, 10, 16, 45, 30, 0, time.UTC)

	tests := []struct {
		g    period.Granularity
		want string
	}{
		{period.Minute, "201512101645"},
		{period.Hour, "2015121016"},
		{period.Day, "20151210"},
		{period.Week, "20151207"},
		{period.Month, "20151201"},
		{period.Year, "20150101"},
		{period.Eternity, ""},
	}

	for _, tt := range tests {
		if got := period.Format(tt.g, at); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.g, got, tt.want)
		}
	}
}

func TestParseTag_RoundTrip(t *testing.T) {
	at := time.Date(2015, 12, 10, 16, 45, 30, 0, time.UTC)

	for _, g := range period.All {
		tag := period.Format(g, at)
		start, err := period.ParseTag(g, tag)
		if err != nil {
			t.Fatalf("ParseTag(%s, %q): %v", g, tag, err)
		}
		if g == period.Eternity {
			continue
		}
		if want := period.Bounds(g, at).Start; !start.Equal(want) {
			t.Errorf("ParseTag(%s, %q) = %v, want %v", g, tag, start, want)
		}
	}
}

func TestParseTag_Malformed(t *testing.T) {
	if _, err := period.ParseTag(period.Day, "2015121"); err == nil {
		t.Error("expected error for short day tag")
	}
	if _, err := period.ParseTag(period.Eternity, "20151210"); err == nil {
		t.Error("expected error for eternity with a tag")
	}
	if _, err := period.ParseTag(period.Granularity("fortnight"), "20151210"); err == nil {
		t.Error("expected error for unknown granularity")
	}
}
