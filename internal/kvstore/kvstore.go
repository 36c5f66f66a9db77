// Package kvstore defines the small client-local key/value interface that
// PitchPractice uses for convenience caches (last microphone, last custom
// rubric, pitch-context draft) and an in-memory implementation.
//
// Nothing stored here is correctness-critical; callers log and continue when
// the store fails.
package kvstore

import (
	"context"
	"errors"
	"sync"
)

// Fixed keys used by the client.
const (
	KeySelectedDevice    = "device.selected"
	KeyLastCustomRubric  = "rubric.last_custom"
	KeyPitchContextDraft = "pitch.context_draft"
)

// ErrNotFound is returned by [Store.Get] when the key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a durable string-keyed byte store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// GetString is a convenience wrapper that returns the value of key as a
// string, or "" with a nil error when the key is not set.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Memory is an in-process [Store]. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements [Store].
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
