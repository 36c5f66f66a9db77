// Package mock provides a test double for the stt.Provider interface.
//
// Set Result or Err to control what Transcribe returns, or TranscribeFunc
// for per-call behaviour. Every request is recorded for later inspection.
//
// Example:
//
//	p := &mock.Provider{Result: &stt.Transcript{Text: "we help teams ship"}}
//	t, _ := p.Transcribe(ctx, stt.Request{Audio: wav})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil. A nil Result yields an
	// empty transcript.
	Result *stt.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// TranscribeFunc, if set, replaces Result and Err.
	TranscribeFunc func(ctx context.Context, req stt.Request) (*stt.Transcript, error)

	calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	p.mu.Lock()
	p.calls = append(p.calls, TranscribeCall{Ctx: ctx, Req: req})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &stt.Transcript{}, nil
	}
	out := *res
	return &out, nil
}

// Calls returns a copy of every recorded call.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times Transcribe was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
