// Package postgres is a [store.Store] backed by PostgreSQL through a pgx
// connection pool. Status transitions lock the row with SELECT ... FOR UPDATE
// so several backend replicas can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

var _ store.Store = (*Store)(nil)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT        PRIMARY KEY,
    status        TEXT        NOT NULL,
    transcript    TEXT        NOT NULL DEFAULT '',
    analysis      JSONB,
    duration_ms   BIGINT      NOT NULL DEFAULT 0,
    word_count    INTEGER     NOT NULL DEFAULT 0,
    error         TEXT        NOT NULL DEFAULT '',
    audio         BYTEA,
    mime_type     TEXT        NOT NULL DEFAULT '',
    rubric        JSONB       NOT NULL DEFAULT '{}'::jsonb,
    pitch_context TEXT        NOT NULL DEFAULT '',
    plan          TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status     ON runs (status);
`

const columns = `id, status, transcript, analysis, duration_ms, word_count, error,
    audio, mime_type, rubric, pitch_context, plan, created_at, updated_at`

// Store is the PostgreSQL run store. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Migrate creates the runs table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRuns); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
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
	tag, err := s.pool.Exec(ctx, `INSERT INTO runs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("postgres store: create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrExists
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	rec, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return store.Record{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return rec, nil
}

// Update implements [store.Store].
func (s *Store) Update(ctx context.Context, id string, fn func(*store.Record) error) (store.Record, error) {
	var out store.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM runs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return fmt.Errorf("postgres store: update: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id
		rec.UpdatedAt = s.now()

		args, err := values(rec)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE runs SET
			status = $2, transcript = $3, analysis = $4, duration_ms = $5, word_count = $6, error = $7,
			audio = $8, mime_type = $9, rubric = $10, pitch_context = $11, plan = $12,
			created_at = $13, updated_at = $14
			WHERE id = $1`, args...); err != nil {
			return fmt.Errorf("postgres store: update: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return store.Record{}, err
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store]. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ---- helpers ----------------------------------------------------------------

func values(rec store.Record) ([]any, error) {
	rub, err := store.EncodeRubric(rec.Rubric)
	if err != nil {
		return nil, err
	}
	var analysis []byte
	if rec.HasAnalysis() {
		analysis = rec.Analysis
	}
	return []any{
		rec.ID, string(rec.Status), rec.Transcript, analysis, rec.DurationMs, rec.WordCount, rec.Error,
		rec.Audio, rec.MimeType, rub, rec.PitchContext, string(rec.Plan),
		rec.CreatedAt, rec.UpdatedAt,
	}, nil
}

func scan(row pgx.Row) (store.Record, error) {
	var (
		rec           store.Record
		status, plan  string
		analysis, rub []byte
	)
	err := row.Scan(&rec.ID, &status, &rec.Transcript, &analysis, &rec.DurationMs, &rec.WordCount, &rec.Error,
		&rec.Audio, &rec.MimeType, &rub, &rec.PitchContext, &plan, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	rec.Status = run.Status(status)
	rec.Plan = entitlement.Plan(plan)
	if len(analysis) > 0 {
		rec.Analysis = analysis
	}
	if rec.Rubric, err = store.DecodeRubric(rub); err != nil {
		return store.Record{}, err
	}
	return rec, nil
}
