// Package store persists runs for the reference backend.
//
// Three drivers implement [Store]: an in-process map ([Memory]), SQLite for
// local development (package sqlite) and PostgreSQL (package postgres). All
// of them serialise [Store.Update] per run so status transitions read and
// write atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("store: run not found")

	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("store: run already exists")
)

// Record is a stored run together with the inputs needed to process it.
type Record struct {
	run.Run

	Audio        []byte
	MimeType     string
	Rubric       rubric.Selection
	PitchContext string

	// Plan is the effective plan of the uploader, used to gate premium
	// analysis output.
	Plan entitlement.Plan

	UpdatedAt time.Time
}

// Store is the run persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create inserts rec. It fails with [ErrExists] when the id is taken.
	Create(ctx context.Context, rec Record) error

	// Get returns the run with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// Update loads the run, applies fn and writes the result back, all
	// under one lock or transaction. When fn returns an error nothing is
	// written and that error is returned unchanged.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
