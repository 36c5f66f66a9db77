package stt

import (
	"strings"
	"time"
)

// Transcript is the result of one transcription.
type Transcript struct {
	// Text is the full transcribed speech.
	Text string

	// Language is the detected or requested language, if the provider reports it.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report one.
	Confidence float64

	// Words contains per-word timing when available. May be nil.
	Words []WordDetail

	// Duration is the audio length the provider processed, if reported.
	Duration time.Duration
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// WordCount returns the number of whitespace-separated words in Text.
func (t *Transcript) WordCount() int {
	if t == nil {
		return 0
	}
	return len(strings.Fields(t.Text))
}
