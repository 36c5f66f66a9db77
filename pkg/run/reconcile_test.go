package run

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
)

func TestReconcile(t *testing.T) {
	t.Parallel()

	analysis := json.RawMessage(`{"overall_score":7}`)

	tests := []struct {
		name        string
		local       Run
		fetched     Run
		wantStatus  Status
		wantOutcome Outcome
		check       func(t *testing.T, got Run)
	}{
		{
			name:        "advance",
			local:       Run{ID: "r1", Status: StatusUploaded},
			fetched:     Run{ID: "r1", Status: StatusTranscribing},
			wantStatus:  StatusTranscribing,
			wantOutcome: Replaced,
		},
		{
			name:        "stale snapshot dropped",
			local:       Run{ID: "r1", Status: StatusAnalyzing, Transcript: "hello"},
			fetched:     Run{ID: "r1", Status: StatusTranscribed, Transcript: "hello"},
			wantStatus:  StatusAnalyzing,
			wantOutcome: Ignored,
		},
		{
			name:        "stale snapshot supplies missing transcript",
			local:       Run{ID: "r1", Status: StatusAnalyzing},
			fetched:     Run{ID: "r1", Status: StatusTranscribed, Transcript: "hello", WordCount: 1},
			wantStatus:  StatusAnalyzing,
			wantOutcome: Merged,
			check: func(t *testing.T, got Run) {
				if got.Transcript != "hello" || got.WordCount != 1 {
					t.Errorf("transcript/word count not merged: %+v", got)
				}
			},
		},
		{
			name:        "equal status is adopted",
			local:       Run{ID: "r1", Status: StatusTranscribed, Transcript: "hello"},
			fetched:     Run{ID: "r1", Status: StatusTranscribed, Transcript: "hello"},
			wantStatus:  StatusTranscribed,
			wantOutcome: Replaced,
		},
		{
			name:        "adopted snapshot keeps local transcript",
			local:       Run{ID: "r1", Status: StatusTranscribed, Transcript: "hello"},
			fetched:     Run{ID: "r1", Status: StatusAnalyzing},
			wantStatus:  StatusAnalyzing,
			wantOutcome: Replaced,
			check: func(t *testing.T, got Run) {
				if got.Transcript != "hello" {
					t.Errorf("transcript erased: %+v", got)
				}
			},
		},
		{
			name:        "analyzed never regresses",
			local:       Run{ID: "r1", Status: StatusAnalyzed, Analysis: analysis},
			fetched:     Run{ID: "r1", Status: StatusError, Error: "late failure"},
			wantStatus:  StatusAnalyzed,
			wantOutcome: Ignored,
		},
		{
			name:        "error from non-terminal status",
			local:       Run{ID: "r1", Status: StatusTranscribing},
			fetched:     Run{ID: "r1", Status: StatusError, Error: "stt down"},
			wantStatus:  StatusError,
			wantOutcome: Replaced,
			check: func(t *testing.T, got Run) {
				if got.Error != "stt down" {
					t.Errorf("Error = %q, want %q", got.Error, "stt down")
				}
			},
		},
		{
			name:        "local error is sticky",
			local:       Run{ID: "r1", Status: StatusError, Error: "boom"},
			fetched:     Run{ID: "r1", Status: StatusAnalyzing},
			wantStatus:  StatusError,
			wantOutcome: Ignored,
		},
		{
			name:        "other run ignored",
			local:       Run{ID: "r1", Status: StatusUploaded},
			fetched:     Run{ID: "r2", Status: StatusAnalyzed, Analysis: analysis},
			wantStatus:  StatusUploaded,
			wantOutcome: Ignored,
		},
		{
			name:        "unknown status only merges fields",
			local:       Run{ID: "r1", Status: StatusTranscribed},
			fetched:     Run{ID: "r1", Status: "queued", Transcript: "hi"},
			wantStatus:  StatusTranscribed,
			wantOutcome: Merged,
		},
		{
			name:        "empty local adopts first snapshot",
			local:       Run{},
			fetched:     Run{ID: "r9", Status: StatusUploaded},
			wantStatus:  StatusUploaded,
			wantOutcome: Replaced,
		},
		{
			name:        "analysis merged into analyzed run",
			local:       Run{ID: "r1", Status: StatusAnalyzed},
			fetched:     Run{ID: "r1", Status: StatusAnalyzed, Analysis: analysis},
			wantStatus:  StatusAnalyzed,
			wantOutcome: Merged,
			check: func(t *testing.T, got Run) {
				if !got.HasAnalysis() {
					t.Error("analysis not merged")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, outcome := Reconcile(tt.local, tt.fetched)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", outcome, tt.wantOutcome)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

// Two poll responses arrive out of order: analyzing was sent before
// transcribed. Whatever the arrival order, analyzing wins.
func TestReconcile_OutOfOrderPolls(t *testing.T) {
	t.Parallel()

	base := Run{ID: "r1", Status: StatusUploaded}
	analyzing := Run{ID: "r1", Status: StatusAnalyzing, Transcript: "pitch"}
	transcribed := Run{ID: "r1", Status: StatusTranscribed, Transcript: "pitch"}

	for _, order := range [][]Run{{analyzing, transcribed}, {transcribed, analyzing}} {
		local := base
		for _, snap := range order {
			local, _ = Reconcile(local, snap)
		}
		if local.Status != StatusAnalyzing {
			t.Errorf("order %s,%s: status = %q, want analyzing", order[0].Status, order[1].Status, local.Status)
		}
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	t.Parallel()

	snap := Run{ID: "r1", Status: StatusAnalyzed, Transcript: "t", Analysis: json.RawMessage(`{}`), WordCount: 1}
	local, _ := Reconcile(Run{ID: "r1", Status: StatusUploaded}, snap)
	for i := range 10 {
		next, outcome := Reconcile(local, snap)
		if outcome != Ignored {
			t.Fatalf("iteration %d: outcome = %s, want ignored", i, outcome)
		}
		if next.Status != local.Status || next.Transcript != local.Transcript || string(next.Analysis) != string(local.Analysis) {
			t.Fatalf("iteration %d: run changed: %+v -> %+v", i, local, next)
		}
	}
}

// For any sequence of snapshots the retained status never moves backwards in
// the priority ordering, and a transcript once held is never lost.
func TestReconcile_Monotone(t *testing.T) {
	t.Parallel()

	statuses := []Status{StatusUploaded, StatusTranscribing, StatusTranscribed, StatusAnalyzing, StatusAnalyzed, StatusError}
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := range 500 {
		local := Run{ID: "r1", Status: StatusUploaded}
		for step := range 20 {
			snap := Run{ID: "r1", Status: statuses[rng.IntN(len(statuses))]}
			if snap.Status.HasTranscript() && rng.IntN(2) == 0 {
				snap.Transcript = "text"
			}
			next, _ := Reconcile(local, snap)

			switch {
			case local.Status == StatusAnalyzed && next.Status != StatusAnalyzed:
				t.Fatalf("trial %d step %d: analyzed regressed to %s", trial, step, next.Status)
			case local.Status == StatusError && next.Status != StatusError:
				t.Fatalf("trial %d step %d: error left for %s", trial, step, next.Status)
			case next.Status != StatusError && next.Status.Rank() < local.Status.Rank():
				t.Fatalf("trial %d step %d: %s regressed to %s", trial, step, local.Status, next.Status)
			}
			if local.HasTranscript() && !next.HasTranscript() {
				t.Fatalf("trial %d step %d: transcript lost", trial, step)
			}
			local = next
		}
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	if !StatusAnalyzed.IsTerminal() || !StatusError.IsTerminal() || StatusAnalyzing.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
	if _, err := ParseStatus("transcribed"); err != nil {
		t.Errorf("ParseStatus(transcribed): %v", err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Error("ParseStatus(done): expected error")
	}
	if StatusUploaded.Rank() >= StatusTranscribing.Rank() || StatusAnalyzing.Rank() >= StatusAnalyzed.Rank() {
		t.Error("rank ordering broken")
	}
}
