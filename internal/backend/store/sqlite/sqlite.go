// Package sqlite is a [store.Store] backed by a single SQLite file, using the
// pure-Go modernc.org/sqlite driver. It is meant for local development and
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT    PRIMARY KEY,
    status        TEXT    NOT NULL,
    transcript    TEXT    NOT NULL DEFAULT '',
    analysis      TEXT,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    word_count    INTEGER NOT NULL DEFAULT 0,
    error         TEXT    NOT NULL DEFAULT '',
    audio         BLOB,
    mime_type     TEXT    NOT NULL DEFAULT '',
    rubric        TEXT    NOT NULL DEFAULT '',
    pitch_context TEXT    NOT NULL DEFAULT '',
    plan          TEXT    NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at);
`

const columns = `id, status, transcript, analysis, duration_ms, word_count, error,
    audio, mime_type, rubric, pitch_context, plan, created_at, updated_at`

// Store is the SQLite run store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Create implements [store.Store].
func (s *Store) Create(ctx context.Context, rec store.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = rec.CreatedAt
	args, err := values(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("sqlite store: create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrExists
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	rec, err := scan(row)
	if err != nil {
		return store.Record{}, fmt.Errorf("sqlite store: get: %w", err)
	}
	return rec, nil
}

// Update implements [store.Store].
func (s *Store) Update(ctx context.Context, id string, fn func(*store.Record) error) (store.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Record{}, fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := scan(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return store.Record{}, fmt.Errorf("sqlite store: update: %w", err)
	}
	if err := fn(&rec); err != nil {
		return store.Record{}, err
	}
	rec.ID = id
	rec.UpdatedAt = s.now()

	args, err := values(rec)
	if err != nil {
		return store.Record{}, err
	}
	// Drop id from the front and append it for the WHERE clause.
	args = append(args[1:], id)
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET
		status = ?, transcript = ?, analysis = ?, duration_ms = ?, word_count = ?, error = ?,
		audio = ?, mime_type = ?, rubric = ?, pitch_context = ?, plan = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...); err != nil {
		return store.Record{}, fmt.Errorf("sqlite store: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Record{}, fmt.Errorf("sqlite store: commit: %w", err)
	}
	return rec, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- helpers ----------------------------------------------------------------

func values(rec store.Record) ([]any, error) {
	rub, err := store.EncodeRubric(rec.Rubric)
	if err != nil {
		return nil, err
	}
	var analysis any
	if rec.HasAnalysis() {
		analysis = string(rec.Analysis)
	}
	return []any{
		rec.ID, string(rec.Status), rec.Transcript, analysis, rec.DurationMs, rec.WordCount, rec.Error,
		rec.Audio, rec.MimeType, string(rub), rec.PitchContext, string(rec.Plan),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	}, nil
}

func scan(row *sql.Row) (store.Record, error) {
	var (
		rec                  store.Record
		status, rub, plan    string
		analysis             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &status, &rec.Transcript, &analysis, &rec.DurationMs, &rec.WordCount, &rec.Error,
		&rec.Audio, &rec.MimeType, &rub, &rec.PitchContext, &plan, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	rec.Status = run.Status(status)
	rec.Plan = entitlement.Plan(plan)
	if analysis.Valid {
		rec.Analysis = []byte(analysis.String)
	}
	if rec.Rubric, err = store.DecodeRubric([]byte(rub)); err != nil {
		return store.Record{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
