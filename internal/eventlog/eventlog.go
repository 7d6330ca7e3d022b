// Package eventlog persists execution events in libSQL so a run can be
// inspected and replayed after the process that executed it has exited.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/pkg/schema"
)

//go:embed migrations/001_execution_events.sql
var migration001 string

// Entry is a persisted event with its per-execution sequence number.
type Entry struct {
	Sequence int64 `json:"sequence"`
	streaming.Event
}

// Log is an append-only event log. Sequences start at 1 for every execution
// and have no gaps.
type Log struct {
	db *sql.DB
}

// Open opens the log at dsn, e.g. "file:/var/lib/ensemble/suspensions.db".
// The log can share a database file with the suspension store.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &Log{db: db}, nil
}

// Migrate creates the event table. It is idempotent.
func (l *Log) Migrate(ctx context.Context) error {
	for _, raw := range strings.Split(migration001, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" || isComment(stmt) {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate event log: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (l *Log) Close() error { return l.db.Close() }

// Append stores event under the next sequence of its execution and returns
// that sequence.
func (l *Log) Append(ctx context.Context, event streaming.Event) (int64, error) {
	if event.ExecutionID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event log: event has no execution id")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	var payload sql.NullString
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`,
		event.ExecutionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, sequence, ensemble, step, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, seq, event.Ensemble, nullStr(event.Step), event.Type, payload, event.Time.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// Events returns the events of an execution with sequence > since, oldest first.
func (l *Log) Events(ctx context.Context, executionID string, since int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT sequence, ensemble, step, event_type, payload, timestamp
		 FROM execution_events WHERE execution_id = ? AND sequence > ?
		 ORDER BY sequence ASC`, executionID, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			rec     = Entry{Event: streaming.Event{ExecutionID: executionID}}
			step    sql.NullString
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&rec.Sequence, &rec.Ensemble, &step, &rec.Type, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Step = step.String
		rec.Time = time.UnixMilli(ts).UTC()
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", rec.Sequence, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns how many events of the given type were logged at or after
// since, across all executions.
func (l *Log) Count(ctx context.Context, eventType string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_events WHERE event_type = ? AND timestamp >= ?`,
		eventType, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isComment(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		if l := strings.TrimSpace(line); l != "" && !strings.HasPrefix(l, "--") {
			return false
		}
	}
	return true
}
