package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/backend/store/sqlite"
	"github.com/MrWong99/pitchpractice/internal/backend/store/storetest"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

func open(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return open(t, filepath.Join(t.TempDir(), "runs.db"))
	})
}

func TestStore_InMemory(t *testing.T) {
	s := open(t, ":memory:")
	ctx := context.Background()
	if err := s.Create(ctx, store.Record{Run: run.Run{ID: "m", Status: run.StatusUploaded}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Get(ctx, "m"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	first, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Create(ctx, store.Record{Run: run.Run{ID: "keep", Status: run.StatusTranscribed, Transcript: "hello"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := open(t, path)
	got, err := second.Get(ctx, "keep")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != run.StatusTranscribed || got.Transcript != "hello" {
		t.Errorf("got %+v", got.Run)
	}
}
