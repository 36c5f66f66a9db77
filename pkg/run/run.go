// Package run defines the Run, the server-side unit of work for one submitted
// pitch, and the status-priority rule used to reconcile snapshots of it.
//
// This package lives under pkg/ because it is shared between the client
// orchestrator and any backend implementing the PitchPractice HTTP contract.
package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the processing state of a Run.
type Status string

const (
	StatusUploaded     Status = "uploaded"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusAnalyzing    Status = "analyzing"
	StatusAnalyzed     Status = "analyzed"
	StatusError        Status = "error"
)

// rank orders the non-error statuses. Error has no rank; it is terminal and
// reachable from any non-terminal status.
var rank = map[Status]int{
	StatusUploaded:     1,
	StatusTranscribing: 2,
	StatusTranscribed:  3,
	StatusAnalyzing:    4,
	StatusAnalyzed:     5,
}

// Rank returns the priority of s in the progression
// uploaded < transcribing < transcribed < analyzing < analyzed.
// Error and unknown statuses rank 0.
func (s Status) Rank() int { return rank[s] }

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusError || rank[s] > 0
}

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	return s == StatusAnalyzed || s == StatusError
}

// HasTranscript reports whether a run in status s is expected to carry a
// transcript.
func (s Status) HasTranscript() bool {
	return s.Rank() >= StatusTranscribed.Rank()
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("run: unknown status %q", s)
	}
	return st, nil
}

// Run is one submitted pitch and its processing state.
type Run struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Transcript string          `json:"transcript,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	WordCount  int             `json:"word_count,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitzero"`

	// Error carries the failure reason when Status is [StatusError].
	Error string `json:"error,omitempty"`
}

// HasTranscript reports whether the run carries a non-empty transcript.
func (r Run) HasTranscript() bool { return r.Transcript != "" }

// HasAnalysis reports whether the run carries an analysis result.
func (r Run) HasAnalysis() bool {
	return len(r.Analysis) > 0 && string(r.Analysis) != "null"
}

// Duration returns DurationMs as a time.Duration.
func (r Run) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}
