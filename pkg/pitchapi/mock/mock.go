// Package mock provides an in-memory [pitchapi.Backend] for unit tests.
//
// Results are served from exported fields, or from the XxxFunc hooks when
// they are set. Every call is recorded so tests can assert on ordering.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// Call is one recorded method invocation.
type Call struct {
	// Method is the Backend method name, e.g. "Transcribe".
	Method string

	// RunID is the run the call targeted. Empty for CreateRun and ResolvePlan.
	RunID string
}

// Backend is a mock implementation of [pitchapi.Backend].
type Backend struct {
	mu sync.Mutex

	// CreateRunID is returned by CreateRun.
	CreateRunID string
	// CreateRunErr is returned by CreateRun.
	CreateRunErr error
	// CreateRunFunc, if set, replaces CreateRunID/CreateRunErr.
	CreateRunFunc func(req pitchapi.UploadRequest) (string, error)

	// TranscribeResult is returned by Transcribe.
	TranscribeResult pitchapi.TranscribeResult
	// TranscribeErr is returned by Transcribe.
	TranscribeErr error
	// TranscribeFunc, if set, replaces TranscribeResult/TranscribeErr.
	TranscribeFunc func(runID string) (pitchapi.TranscribeResult, error)

	// AnalyzeResult is returned by Analyze.
	AnalyzeResult pitchapi.AnalyzeResult
	// AnalyzeErr is returned by Analyze.
	AnalyzeErr error
	// AnalyzeFunc, if set, replaces AnalyzeResult/AnalyzeErr.
	AnalyzeFunc func(req pitchapi.AnalyzeRequest) (pitchapi.AnalyzeResult, error)

	// GetRunFunc serves GetRun. When nil, GetRun returns Runs[id] in order:
	// each call pops the first queued snapshot, repeating the last one.
	GetRunFunc func(runID string) (run.Run, error)
	// Runs queues snapshots per run id for GetRun.
	Runs map[string][]run.Run
	// GetRunErr is returned by GetRun when GetRunFunc is nil.
	GetRunErr error

	// Entitlement is returned by ResolvePlan.
	Entitlement entitlement.Entitlement
	// ResolvePlanErr is returned by ResolvePlan.
	ResolvePlanErr error

	calls    []Call
	uploads  []pitchapi.UploadRequest
	analyzes []pitchapi.AnalyzeRequest
}

var _ pitchapi.Backend = (*Backend)(nil)

// CreateRun implements [pitchapi.Backend].
func (b *Backend) CreateRun(_ context.Context, req pitchapi.UploadRequest) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: "CreateRun"})
	b.uploads = append(b.uploads, req)
	fn, id, err := b.CreateRunFunc, b.CreateRunID, b.CreateRunErr
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return id, err
}

// Transcribe implements [pitchapi.Backend].
func (b *Backend) Transcribe(_ context.Context, runID string) (pitchapi.TranscribeResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: "Transcribe", RunID: runID})
	fn, res, err := b.TranscribeFunc, b.TranscribeResult, b.TranscribeErr
	b.mu.Unlock()
	if fn != nil {
		return fn(runID)
	}
	return res, err
}

// Analyze implements [pitchapi.Backend].
func (b *Backend) Analyze(_ context.Context, req pitchapi.AnalyzeRequest) (pitchapi.AnalyzeResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: "Analyze", RunID: req.RunID})
	b.analyzes = append(b.analyzes, req)
	fn, res, err := b.AnalyzeFunc, b.AnalyzeResult, b.AnalyzeErr
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return res, err
}

// GetRun implements [pitchapi.Backend].
func (b *Backend) GetRun(_ context.Context, runID string) (run.Run, error) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: "GetRun", RunID: runID})
	fn := b.GetRunFunc
	if fn != nil {
		b.mu.Unlock()
		return fn(runID)
	}
	defer b.mu.Unlock()
	if b.GetRunErr != nil {
		return run.Run{}, b.GetRunErr
	}
	queue := b.Runs[runID]
	if len(queue) == 0 {
		return run.Run{ID: runID, Status: run.StatusUploaded}, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		b.Runs[runID] = queue[1:]
	}
	return r, nil
}

// ResolvePlan implements [pitchapi.Backend].
func (b *Backend) ResolvePlan(context.Context) (entitlement.Entitlement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Method: "ResolvePlan"})
	return b.Entitlement, b.ResolvePlanErr
}

// QueueRuns appends snapshots served by GetRun for runID.
func (b *Backend) QueueRuns(runID string, snapshots ...run.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Runs == nil {
		b.Runs = make(map[string][]run.Run)
	}
	b.Runs[runID] = append(b.Runs[runID], snapshots...)
}

// Calls returns a copy of all recorded calls in order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Methods returns the recorded method names in order, excluding GetRun polls.
func (b *Backend) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		if c.Method != "GetRun" {
			out = append(out, c.Method)
		}
	}
	return out
}

// CallCount returns how many times method was called.
func (b *Backend) CallCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Uploads returns a copy of every CreateRun request.
func (b *Backend) Uploads() []pitchapi.UploadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pitchapi.UploadRequest, len(b.uploads))
	copy(out, b.uploads)
	return out
}

// AnalyzeRequests returns a copy of every Analyze request.
func (b *Backend) AnalyzeRequests() []pitchapi.AnalyzeRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pitchapi.AnalyzeRequest, len(b.analyzes))
	copy(out, b.analyzes)
	return out
}

// Reset clears recorded calls.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.uploads = nil
	b.analyzes = nil
}
