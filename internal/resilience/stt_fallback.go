package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group, mainly for breaker inspection.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// Transcribe runs req against the first healthy provider. Empty audio and a
// cancelled context are returned without trying the next backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (*stt.Transcript, error) {
		t, err := p.Transcribe(ctx, req)
		if err != nil && (errors.Is(err, stt.ErrEmptyAudio) || ctx.Err() != nil) {
			return nil, Permanent(err)
		}
		return t, err
	})
}
