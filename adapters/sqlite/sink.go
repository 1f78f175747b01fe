// Package sqlite provides a SQLite implementation of the analytics sink,
// for single-node deployments that want durable analytics without an
// external ingestion service.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/meterd/ports"
)

// DB wraps a SQLite database connection.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite database connection.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return &DB{DB: db}, nil
}

// Sink persists exported stat events.
type Sink struct {
	db *DB
}

var _ ports.Sink = (*Sink)(nil)

// NewSink creates the sink and its schema.
func NewSink(db *DB) (*Sink, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stat_events (
			service_id   TEXT NOT NULL,
			app_id       TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL DEFAULT '',
			metric_id    TEXT NOT NULL,
			granularity  TEXT NOT NULL,
			period_start TEXT NOT NULL,
			value        INTEGER NOT NULL,
			generated_at TEXT NOT NULL,
			PRIMARY KEY (service_id, app_id, user_id, metric_id, granularity, period_start, generated_at)
		);
		CREATE INDEX IF NOT EXISTS idx_stat_events_service_metric ON stat_events(service_id, metric_id);
		CREATE INDEX IF NOT EXISTS idx_stat_events_generated ON stat_events(generated_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("create stat_events table: %w", err)
	}
	return &Sink{db: db}, nil
}

// Send writes the batch in one transaction: the whole batch lands or none
// of it does, matching the exporter's ack-or-fail contract. Replaying the
// same range upserts, so at-least-once delivery does not duplicate rows.
func (s *Sink) Send(ctx context.Context, events []ports.StatEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stat_events
			(service_id, app_id, user_id, metric_id, granularity, period_start, value, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.ServiceID,
			ev.AppID,
			ev.UserID,
			ev.MetricID,
			string(ev.Granularity),
			ev.PeriodStart.UTC().Format(time.RFC3339),
			ev.Value,
			ev.GeneratedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert stat event: %w", err)
		}
	}
	return tx.Commit()
}
