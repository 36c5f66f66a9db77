package audio

import "time"

// AudioFrame is one chunk of captured PCM audio as delivered by a [Stream].
// Frames are the unit the level meter samples and the capture task buffers.
type AudioFrame struct {
	// Data holds little-endian int16 PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for most microphones, 16000 for STT).
	SampleRate int

	// Channels is 1 for mono and 2 for stereo input.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// RecordingFormat is the format captured audio is normalised to before it is
// encoded. 16 kHz mono is what the transcription backends expect.
var RecordingFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the int16 PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// DurationOf returns how long n bytes of int16 PCM in this format play for.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
