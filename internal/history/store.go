// Package history persists finished processing requests in SQLite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/recovery"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was written by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Entry is one stored request.
type Entry struct {
	RequestID          string               `json:"requestId"`
	Audio              string               `json:"audio"`
	Model              string               `json:"model"`
	State              orchestrator.State   `json:"state"`
	Backend            string               `json:"backend,omitempty"`
	Device             string               `json:"device,omitempty"`
	Kind               recovery.FailureKind `json:"kind,omitempty"`
	Failures           int                  `json:"failures"`
	Speedup            float64              `json:"speedup"`
	ProcessingDuration time.Duration        `json:"processingDuration"`
	FinishedAt         time.Time            `json:"finishedAt"`
}

// BackendStats aggregates completed requests per backend.
type BackendStats struct {
	Backend     string  `json:"backend"`
	Requests    int     `json:"requests"`
	MeanSpeedup float64 `json:"meanSpeedup"`
	Failures    int     `json:"failures"`
}

// Store is the history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}

// Record stores a finished request. A request id seen before is replaced.
func (s *Store) Record(ctx context.Context, rec orchestrator.Record) error {
	finished := rec.At
	if finished.IsZero() {
		finished = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO requests (request_id, audio, model, state, backend, device, failure_kind, failures, speedup, processing_ms, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
    state = excluded.state,
    backend = excluded.backend,
    device = excluded.device,
    failure_kind = excluded.failure_kind,
    failures = excluded.failures,
    speedup = excluded.speedup,
    processing_ms = excluded.processing_ms,
    finished_at = excluded.finished_at`,
			rec.RequestID, rec.Audio, rec.Model, string(rec.State), rec.Backend, rec.Device,
			string(rec.Kind), rec.Failures, rec.Speedup, rec.ProcessingDuration.Milliseconds(),
			finished.UTC().Format(timeLayout))
		return err
	})
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, audio, model, state, backend, device, failure_kind, failures, speedup, processing_ms, finished_at
FROM requests ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                Entry
			state, kind, at  string
			processingMillis int64
		)
		if err := rows.Scan(&e.RequestID, &e.Audio, &e.Model, &state, &e.Backend, &e.Device,
			&kind, &e.Failures, &e.Speedup, &processingMillis, &at); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.State = orchestrator.State(state)
		e.Kind = recovery.FailureKind(kind)
		e.ProcessingDuration = time.Duration(processingMillis) * time.Millisecond
		if e.FinishedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse finished_at %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates the stored requests per backend.
func (s *Store) Stats(ctx context.Context) ([]BackendStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT backend,
       COUNT(1),
       COALESCE(AVG(CASE WHEN state = ? THEN speedup END), 0),
       COALESCE(SUM(failures), 0)
FROM requests WHERE backend != '' GROUP BY backend ORDER BY backend`, string(orchestrator.StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("query history stats: %w", err)
	}
	defer rows.Close()

	var stats []BackendStats
	for rows.Next() {
		var st BackendStats
		if err := rows.Scan(&st.Backend, &st.Requests, &st.MeanSpeedup, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan history stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Prune removes entries finished before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE finished_at < ?", cutoff.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
