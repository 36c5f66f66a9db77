package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
	sttmock "github.com/MrWong99/pitchpractice/pkg/provider/stt/mock"
)

func newSTTFallback(primary, secondary *sttmock.Provider) *STTFallback {
	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Result: &stt.Transcript{Text: "from primary"}}
	secondary := &sttmock.Provider{}

	got, err := newSTTFallback(primary, secondary).Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "from primary" {
		t.Errorf("Text = %q", got.Text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Result: &stt.Transcript{Text: "from secondary"}}

	got, err := newSTTFallback(primary, secondary).Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "from secondary" {
		t.Errorf("Text = %q", got.Text)
	}
	if secondary.CallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: errors.New("secondary down")}

	_, err := newSTTFallback(primary, secondary).Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_Transcribe_EmptyAudioIsPermanent(t *testing.T) {
	primary := &sttmock.Provider{Err: stt.ErrEmptyAudio}
	secondary := &sttmock.Provider{}
	fb := newSTTFallback(primary, secondary)

	for range 5 {
		_, err := fb.Transcribe(context.Background(), stt.Request{})
		if !errors.Is(err, stt.ErrEmptyAudio) {
			t.Fatalf("err = %v, want ErrEmptyAudio", err)
		}
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
	if st := fb.Group().Breaker("primary").State(); st != StateClosed {
		t.Errorf("primary breaker = %s, want closed", st)
	}
}

func TestSTTFallback_Transcribe_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &sttmock.Provider{Err: context.Canceled}
	secondary := &sttmock.Provider{}

	_, err := newSTTFallback(primary, secondary).Transcribe(ctx, stt.Request{Audio: []byte{1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}
