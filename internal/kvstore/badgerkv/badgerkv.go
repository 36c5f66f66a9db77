// Package badgerkv implements [kvstore.Store] on an embedded Badger database
// so that client-local state survives restarts.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"

	"github.com/MrWong99/pitchpractice/internal/kvstore"
)

// Store is a Badger-backed [kvstore.Store].
type Store struct {
	db *badger.DB
}

var _ kvstore.Store = (*Store)(nil)

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("badgerkv: create %q: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(newSlogLogger(nil))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-persistent database, useful in tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(newSlogLogger(nil))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

// Get implements [kvstore.Store].
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerkv: get %q: %w", key, err)
	}
	return out, nil
}

// Set implements [kvstore.Store].
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badgerkv: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [kvstore.Store].
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badgerkv: delete %q: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
