package resumption

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/pkg/schema"
)

// LibSQLStore keeps suspended states in a libSQL (embedded SQLite) database.
// Status and expiry are mirrored into columns so transitions can be guarded
// by a conditional UPDATE.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath, e.g. "file:/var/lib/ensemble/suspensions.db".
// Call Migrate before use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Create(ctx context.Context, state *schema.SuspendedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal suspended state: %w", err)
	}
	meta := state.Metadata
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suspended_states (token, ensemble_name, status, suspended_at, expires_at, state)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(token) DO NOTHING`,
		state.Token, meta.EnsembleName, string(meta.Status),
		unixMilli(meta.SuspendedAt), unixMilli(meta.ExpiresAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert suspended state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return duplicate(state.Token)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, token string) (*schema.SuspendedState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM suspended_states WHERE token = ?`, token,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(token)
	}
	if err != nil {
		return nil, fmt.Errorf("select suspended state: %w", err)
	}
	return decodeState([]byte(data))
}

// Resolve reads the record, applies the transition and writes it back with
// an UPDATE guarded on status='pending' and the expiry. Losing the race to
// another writer surfaces as CONFLICT.
func (s *LibSQLStore) Resolve(ctx context.Context, token string, r Resolution) (*schema.SuspendedState, error) {
	state, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := apply(state, r); err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal suspended state: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE suspended_states
		 SET status = ?, resolved_by = ?, resolved_at = ?, state = ?
		 WHERE token = ? AND status = 'pending' AND (expires_at = 0 OR expires_at > ?)`,
		string(state.Metadata.Status), state.Metadata.ResolvedBy, unixMilli(r.At), string(data),
		token, unixMilli(r.At),
	)
	if err != nil {
		return nil, fmt.Errorf("update suspended state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "suspension %s was modified concurrently", token)
	}
	return state, nil
}

// Claim deletes the row only while it is approved. When nothing was deleted
// the row is re-read to tell a missing token from a wrong status.
func (s *LibSQLStore) Claim(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suspended_states WHERE token = ? AND status = 'approved'`, token)
	if err != nil {
		return fmt.Errorf("claim suspended state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	state, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := claimable(state); err != nil {
		return err
	}
	return alreadyClaimed(token)
}

func (s *LibSQLStore) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM suspended_states WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete suspended state: %w", err)
	}
	return nil
}

func (s *LibSQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suspended_states WHERE status != 'approved' AND expires_at != 0 AND expires_at <= ?`,
		unixMilli(now),
	)
	if err != nil {
		return 0, fmt.Errorf("purge suspended states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
