// Package storetest is a conformance suite shared by every store.Store driver.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// Run exercises the store.Store contract against stores produced by open.
// open is called once per subtest and must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := sample("run-1")
		if err := s.Create(ctx, want); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		assertRecord(t, got, want)
		if got.UpdatedAt.IsZero() {
			t.Error("UpdatedAt not set")
		}
	})

	t.Run("built-in rubric round trips", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec := sample("run-b")
		rec.Rubric = rubric.ByID("investor")
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, _ := s.Get(ctx, "run-b")
		if got.Rubric.RubricID != "investor" || got.Rubric.Custom != nil {
			t.Errorf("Rubric = %+v", got.Rubric)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Create(ctx, sample("dup")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Create(ctx, sample("dup")); !errors.Is(err, store.ErrExists) {
			t.Errorf("second Create err = %v, want ErrExists", err)
		}
	})

	t.Run("missing run", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get err = %v, want ErrNotFound", err)
		}
		_, err := s.Update(ctx, "nope", func(*store.Record) error { return nil })
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Update err = %v, want ErrNotFound", err)
		}
	})

	t.Run("update", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Create(ctx, sample("run-u")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		analysis := json.RawMessage(`{"overall_score":7.5}`)
		got, err := s.Update(ctx, "run-u", func(r *store.Record) error {
			r.Status = run.StatusAnalyzed
			r.Transcript = "we help teams ship"
			r.WordCount = 4
			r.Analysis = analysis
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if got.Status != run.StatusAnalyzed {
			t.Errorf("returned status = %s", got.Status)
		}
		stored, _ := s.Get(ctx, "run-u")
		if stored.Status != run.StatusAnalyzed || stored.Transcript != "we help teams ship" || stored.WordCount != 4 {
			t.Errorf("stored = %+v", stored.Run)
		}
		assertJSON(t, stored.Analysis, analysis)
		if len(stored.Audio) != len(sample("x").Audio) {
			t.Errorf("audio changed by update: %d bytes", len(stored.Audio))
		}
	})

	t.Run("failed update writes nothing", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Create(ctx, sample("run-f")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		boom := errors.New("transition refused")
		_, err := s.Update(ctx, "run-f", func(r *store.Record) error {
			r.Status = run.StatusError
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update err = %v, want %v", err, boom)
		}
		got, _ := s.Get(ctx, "run-f")
		if got.Status != run.StatusUploaded {
			t.Errorf("status = %s, want uploaded", got.Status)
		}
	})

	t.Run("updates serialise", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.Create(ctx, sample("run-c")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		const n = 16
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "run-c", func(r *store.Record) error {
					r.WordCount++
					return nil
				})
				if err != nil {
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		got, _ := s.Get(ctx, "run-c")
		if got.WordCount != n {
			t.Errorf("WordCount = %d, want %d", got.WordCount, n)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := open(t).Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

// ---- helpers ----------------------------------------------------------------

func sample(id string) store.Record {
	return store.Record{
		Run: run.Run{
			ID:         id,
			Status:     run.StatusUploaded,
			DurationMs: 42_000,
			CreatedAt:  time.UnixMilli(1_760_000_000_123).UTC(),
		},
		Audio:    []byte("RIFF\x00\x00\x00\x00WAVEfmt "),
		MimeType: "audio/wav",
		Rubric: rubric.CustomRubric(rubric.Rubric{
			Name: "Demo day",
			Criteria: []rubric.Criterion{
				{Name: "Hook", Weight: 2},
				{Name: "Ask", Weight: 1},
			},
		}),
		PitchContext: "seed round, B2B",
		Plan:         entitlement.PlanCoach,
	}
}

func assertRecord(t *testing.T, got, want store.Record) {
	t.Helper()
	if got.ID != want.ID || got.Status != want.Status || got.DurationMs != want.DurationMs {
		t.Errorf("run = %+v, want %+v", got.Run, want.Run)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if string(got.Audio) != string(want.Audio) || got.MimeType != want.MimeType {
		t.Errorf("audio = %q (%s), want %q (%s)", got.Audio, got.MimeType, want.Audio, want.MimeType)
	}
	if got.PitchContext != want.PitchContext || got.Plan != want.Plan {
		t.Errorf("context/plan = %q/%s", got.PitchContext, got.Plan)
	}
	if got.Rubric.Custom == nil || got.Rubric.Custom.Name != want.Rubric.Custom.Name ||
		len(got.Rubric.Custom.Criteria) != len(want.Rubric.Custom.Criteria) {
		t.Errorf("Rubric = %+v", got.Rubric)
	}
	if got.HasAnalysis() {
		t.Errorf("fresh run carries analysis %s", got.Analysis)
	}
}

func assertJSON(t *testing.T, got, want json.RawMessage) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("stored analysis is not JSON: %v (%s)", err, got)
	}
	_ = json.Unmarshal(want, &w)
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Errorf("analysis = %s, want %s", gb, wb)
	}
}
