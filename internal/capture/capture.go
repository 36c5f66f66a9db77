// Package capture implements the recording state machine.
//
// A [Task] owns one capture at a time and every timer and goroutine that
// capture needs:
//
//	idle ──Start──▶ recording ⇄ paused ──Stop──▶ stopped
//	  ▲                  │          │
//	  └──────Cancel──────┴──────────┘
//
// While recording, audio is appended to the current segment and sliced off
// into the ordered segment list every SegmentInterval so that long recordings
// are buffered incrementally. A 1 Hz tick measures active (unpaused) time and
// stops the capture automatically at the plan's duration ceiling.
//
// Stopping closes the stream, drains the frames still buffered in it, stops
// the level meter and finalizes the segments into a WAV [Recording].
package capture

import (
	"errors"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/audio"
)

// Default capture parameters.
const (
	DefaultSegmentInterval = 3 * time.Second
	DefaultTickInterval    = time.Second
	DefaultMinPayloadBytes = 5 * 1024
)

var (
	// ErrNotIdle is returned by Start while a capture is in progress.
	ErrNotIdle = errors.New("capture: a capture is already in progress")

	// ErrNotRecording is returned by Pause and Stop without an active capture.
	ErrNotRecording = errors.New("capture: not recording")

	// ErrNotPaused is returned by Resume when the capture is not paused.
	ErrNotPaused = errors.New("capture: not paused")

	// ErrNoStream is returned by Start without a stream.
	ErrNoStream = errors.New("capture: no audio stream")

	// ErrSilent is returned when the microphone delivers only silence, either
	// before Start or, with AbortOnSilence, during recording.
	ErrSilent = errors.New("capture: microphone is silent")

	// ErrNoAudio is returned by Stop when the captured payload is too small to
	// contain any audio. The task returns to idle.
	ErrNoAudio = errors.New("capture: no audio captured")

	// ErrCanceled is returned by Stop when the capture was discarded by Cancel.
	ErrCanceled = errors.New("capture: canceled")
)

// State is the capture task state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason explains why a capture ended.
type StopReason string

const (
	ReasonUser       StopReason = "user"
	ReasonCeiling    StopReason = "ceiling"
	ReasonStreamLost StopReason = "stream_lost"
	ReasonSilence    StopReason = "silence"
	ReasonCanceled   StopReason = "canceled"
)

// Config parameterises a [Task]. Zero fields take the package defaults.
type Config struct {
	// MaxDuration is the active-time ceiling at which capture stops on its
	// own. Zero disables the ceiling.
	MaxDuration time.Duration

	// SegmentInterval is how often buffered audio is sliced into a segment.
	SegmentInterval time.Duration

	// TickInterval is the cadence of the elapsed-time tick.
	TickInterval time.Duration

	// MinPayloadBytes is the smallest PCM payload accepted on finalize.
	MinPayloadBytes int

	// Format is the format audio is normalised to before encoding.
	Format audio.Format

	// AbortOnSilence discards the capture with [ErrSilent] when the level
	// meter latches silence while recording.
	AbortOnSilence bool
}

func (c *Config) applyDefaults() {
	if c.SegmentInterval <= 0 {
		c.SegmentInterval = DefaultSegmentInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MinPayloadBytes <= 0 {
		c.MinPayloadBytes = DefaultMinPayloadBytes
	}
	if c.Format.SampleRate <= 0 || c.Format.Channels <= 0 {
		c.Format = audio.RecordingFormat
	}
}

// Interval is one paused span.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration returns End − Start.
func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Recording is a finalized capture, ready for upload.
type Recording struct {
	// Audio is the WAV-encoded payload.
	Audio []byte

	// MimeType is the content type of Audio.
	MimeType string

	// Duration is the duration of record: the decoded length of Audio when
	// it can be decoded, Elapsed otherwise.
	Duration time.Duration

	// Decoded reports whether Duration came from decoding Audio.
	Decoded bool

	// Elapsed is (stop − start) − Σ paused, clamped to the ceiling when the
	// capture stopped on it.
	Elapsed time.Duration

	DeviceID        string
	StartedAt       time.Time
	StoppedAt       time.Time
	PausedIntervals []Interval
	Segments        int
	Reason          StopReason
}

// TotalPaused returns the sum of all paused intervals.
func (r Recording) TotalPaused() time.Duration {
	var total time.Duration
	for _, iv := range r.PausedIntervals {
		total += iv.Duration()
	}
	return total
}

// LevelMeter is the part of the level meter a capture drives: it feeds
// captured frames in, consults the silence latch and tears it down on stop.
type LevelMeter interface {
	Feed(audio.AudioFrame)
	Silent() bool
	Stop()
}

// DurationProbe returns the true playback duration of an encoded payload.
type DurationProbe func(payload []byte) (time.Duration, error)
