package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. Records are deep-copied on the way in and
// out so callers never share slices with the store.
type Memory struct {
	mu   sync.Mutex
	runs map[string]Record
	now  func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]Record), now: time.Now}
}

// Create implements [Store].
func (m *Memory) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.ID]; ok {
		return ErrExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.UpdatedAt = rec.CreatedAt
	m.runs[rec.ID] = clone(rec)
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

// Update implements [Store].
func (m *Memory) Update(_ context.Context, id string, fn func(*Record) error) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec = clone(rec)
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.ID = id
	rec.UpdatedAt = m.now()
	m.runs[id] = clone(rec)
	return rec, nil
}

// Ping implements [Store]. The memory store is always reachable.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *Memory) Close() error { return nil }

// Len returns the number of stored runs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func clone(rec Record) Record {
	rec.Audio = slices.Clone(rec.Audio)
	rec.Analysis = slices.Clone(rec.Analysis)
	if rec.Rubric.Custom != nil {
		c := *rec.Rubric.Custom
		c.Criteria = slices.Clone(c.Criteria)
		rec.Rubric.Custom = &c
	}
	return rec
}
