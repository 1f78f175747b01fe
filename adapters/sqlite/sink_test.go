package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/domain/period"
	"github.com/artpar/meterd/ports"
)

func newSink(t *testing.T) (*sqlite.Sink, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sink, err := sqlite.NewSink(db)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	return sink, db
}

func TestSinkSendBatch(t *testing.T) {
	sink, db := newSink(t)
	ctx := context.Background()

	gen := time.Date(2015, 12, 10, 16, 45, 0, 0, time.UTC)
	events := []ports.StatEvent{
		{
			ServiceID:   "s1",
			AppID:       "a1",
			MetricID:    "m1",
			Granularity: period.Day,
			PeriodStart: time.Date(2015, 12, 10, 0, 0, 0, 0, time.UTC),
			Value:       10,
			GeneratedAt: gen,
		},
		{
			ServiceID:   "s1",
			MetricID:    "m1",
			Granularity: period.Day,
			PeriodStart: time.Date(2015, 12, 11, 0, 0, 0, 0, time.UTC),
			Value:       20,
			GeneratedAt: gen,
		},
	}
	if err := sink.Send(ctx, events); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM stat_events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}
}

func TestSinkRedeliveryUpserts(t *testing.T) {
	sink, db := newSink(t)
	ctx := context.Background()

	ev := ports.StatEvent{
		ServiceID:   "s1",
		AppID:       "a1",
		MetricID:    "m1",
		Granularity: period.Day,
		PeriodStart: time.Date(2015, 12, 10, 0, 0, 0, 0, time.UTC),
		Value:       10,
		GeneratedAt: time.Date(2015, 12, 10, 16, 45, 0, 0, time.UTC),
	}
	if err := sink.Send(ctx, []ports.StatEvent{ev}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// At-least-once redelivery of the same range with a newer value.
	ev.Value = 15
	if err := sink.Send(ctx, []ports.StatEvent{ev}); err != nil {
		t.Fatalf("resend: %v", err)
	}

	var count, value int
	if err := db.QueryRow("SELECT COUNT(*), MAX(value) FROM stat_events").Scan(&count, &value); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 || value != 15 {
		t.Fatalf("rows = %d value = %d, want 1/15", count, value)
	}
}

func TestSinkEmptyBatch(t *testing.T) {
	sink, _ := newSink(t)
	if err := sink.Send(context.Background(), nil); err != nil {
		t.Fatalf("send empty: %v", err)
	}
}
