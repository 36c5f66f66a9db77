package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/audio/mock"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type inference struct {
	language string
	prompt   string
	model    string
	format   audio.Format
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText, recording the last request it saw.
func newMockServer(t *testing.T, responseText string, calls *atomic.Int32, last *inference) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if calls != nil {
			calls.Add(1)
		}
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		_, format, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if last != nil {
			*last = inference{
				language: r.FormValue("language"),
				prompt:   r.FormValue("prompt"),
				model:    r.FormValue("model"),
				format:   format,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func makeWAV(t *testing.T, f audio.Format, d time.Duration) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(mock.Tone(f, d, 0.3).Data, f)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// ---- transcription ------------------------------------------------------------

func TestTranscribe_ReturnsText(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var last inference
	srv := newMockServer(t, " We help small teams ship faster. ", &calls, &last)

	p, err := whisper.New(srv.URL+"/", whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Transcribe(context.Background(), stt.Request{
		Audio:  makeWAV(t, audio.RecordingFormat, 2*time.Second),
		Prompt: "Acme, PitchPractice",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if got.Text != "We help small teams ship faster." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.WordCount() != 6 {
		t.Errorf("WordCount = %d, want 6", got.WordCount())
	}
	if got.Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", got.Duration)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	if last.language != "en" || last.prompt != "Acme, PitchPractice" || last.model != "small" {
		t.Errorf("form fields = %+v", last)
	}
}

func TestTranscribe_ResamplesToSixteenKilohertz(t *testing.T) {
	t.Parallel()
	var last inference
	srv := newMockServer(t, "ok", nil, &last)
	p, _ := whisper.New(srv.URL)

	src := audio.Format{SampleRate: 48000, Channels: 2}
	if _, err := p.Transcribe(context.Background(), stt.Request{
		Audio:    makeWAV(t, src, time.Second),
		Language: "de",
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if last.format != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("server received %s, want 16000Hz mono", last.format)
	}
	if last.language != "de" {
		t.Errorf("language = %q, want request override", last.language)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Parallel()

	t.Run("empty audio", func(t *testing.T) {
		t.Parallel()
		p, _ := whisper.New("http://127.0.0.1:1")
		_, err := p.Transcribe(context.Background(), stt.Request{})
		if !errors.Is(err, stt.ErrEmptyAudio) {
			t.Errorf("err = %v, want ErrEmptyAudio", err)
		}
	})

	t.Run("not a wav", func(t *testing.T) {
		t.Parallel()
		p, _ := whisper.New("http://127.0.0.1:1")
		if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("mp3?")}); err == nil {
			t.Error("want error for undecodable audio")
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)
		p, _ := whisper.New(srv.URL)
		_, err := p.Transcribe(context.Background(), stt.Request{Audio: makeWAV(t, audio.RecordingFormat, time.Second)})
		if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "model not loaded") {
			t.Errorf("err = %v, want HTTP 500 with body", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		srv := newMockServer(t, "ok", nil, nil)
		p, _ := whisper.New(srv.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Transcribe(ctx, stt.Request{Audio: makeWAV(t, audio.RecordingFormat, time.Second)})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
