// Package pitchapi defines the contract between the PitchPractice client and
// the backend that stores runs, transcribes them and analyzes them.
//
// [Backend] is the abstract interface the orchestrator depends on. [Client]
// is its HTTP/JSON implementation:
//
//	POST /api/runs                  multipart upload, returns the run id
//	POST /api/runs/{id}/transcribe  transcribes an uploaded run
//	POST /api/runs/{id}/analyze     starts rubric analysis of a transcript
//	GET  /api/runs/{id}             current run snapshot
//	GET  /api/entitlement           plan of the authenticated caller
//
// Error responses carry a JSON body {"error": "...", "details": "..."} and are
// surfaced as [*APIError].
package pitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// Multipart form field names used by CreateRun.
const (
	FieldAudio        = "audio"
	FieldRubricID     = "rubric_id"
	FieldRubricJSON   = "rubric_json"
	FieldPitchContext = "pitch_context"
	FieldDurationMs   = "duration_ms"
)

// Backend is the remote processing service.
//
// Every method issues exactly one request and never retries on its own;
// callers decide whether a failed step is attempted again.
type Backend interface {
	// CreateRun uploads a recording and returns the new run id.
	CreateRun(ctx context.Context, req UploadRequest) (string, error)

	// Transcribe runs speech-to-text for an uploaded run.
	Transcribe(ctx context.Context, runID string) (TranscribeResult, error)

	// Analyze starts rubric analysis. The backend may return before the
	// analysis is complete; the run is then observed through GetRun.
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)

	// GetRun returns the current snapshot of a run.
	GetRun(ctx context.Context, runID string) (run.Run, error)

	// ResolvePlan returns the caller's plan state.
	ResolvePlan(ctx context.Context) (entitlement.Entitlement, error)
}

// UploadRequest is the payload of [Backend.CreateRun].
type UploadRequest struct {
	Audio    []byte
	MimeType string

	// FileName is the name given to the audio part. Default: "pitch.wav".
	FileName string

	Rubric       rubric.Selection
	PitchContext string
	DurationMs   int64
}

// TranscribeResult is the response of [Backend.Transcribe].
type TranscribeResult struct {
	Status     run.Status `json:"status"`
	Transcript string     `json:"transcript"`
	WordCount  int        `json:"word_count,omitempty"`
}

// AnalyzeRequest is the payload of [Backend.Analyze].
type AnalyzeRequest struct {
	RunID        string           `json:"-"`
	Rubric       rubric.Selection `json:"rubric"`
	PitchContext string           `json:"pitch_context,omitempty"`
}

// AnalyzeResult is the response of [Backend.Analyze]. Analysis is empty while
// the status is still analyzing.
type AnalyzeResult struct {
	Status   run.Status      `json:"status"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
}

// CreateRunResponse is the JSON body returned by POST /api/runs.
type CreateRunResponse struct {
	ID     string     `json:"id"`
	Status run.Status `json:"status"`
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

// Error implements error.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("pitchapi: %d %s: %s", e.StatusCode, msg, e.Detail)
	}
	return fmt.Sprintf("pitchapi: %d %s", e.StatusCode, msg)
}

// Temporary reports whether the failure is on the server side and the same
// request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsStatus reports whether err is an [*APIError] with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Describe splits err into a user-facing message and optional detail.
// [*APIError] values keep the server's wording; anything else becomes a
// generic message with err as the detail.
func Describe(err error) (message, detail string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return msg, apiErr.Detail
	}
	if err == nil {
		return "", ""
	}
	return "request failed", err.Error()
}
