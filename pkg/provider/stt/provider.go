// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider turns one finished recording into a transcript. PitchPractice
// transcribes whole pitches after upload, so the interface is batch-oriented:
// the full encoded payload goes in, a single [Transcript] comes out.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers for a request without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one transcription job.
type Request struct {
	// Audio is the encoded payload, normally a 16 kHz mono WAV file.
	Audio []byte

	// MimeType is the content type of Audio (e.g. "audio/wav"). Providers fall
	// back to "audio/wav" when empty.
	MimeType string

	// Language is the ISO-639-1 or BCP-47 language hint. Empty lets the
	// provider auto-detect, or use its configured default.
	Language string

	// Prompt is optional vocabulary or style guidance, such as product and
	// company names mentioned in the pitch.
	Prompt string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts req.Audio to text. It returns an error when the
	// backend fails or ctx is cancelled; an empty transcript for silent audio
	// is not an error.
	Transcribe(ctx context.Context, req Request) (*Transcript, error)
}
