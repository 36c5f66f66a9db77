// Package mock provides in-memory mock implementations of the [audio.Input]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream("mic-1", 8)
//	in := &mock.Input{
//	    DevicesResult: []audio.Device{{ID: "mic-1", Name: "USB Mic"}},
//	    OpenResult:    stream,
//	}
//	stream.Push(mock.Tone(audio.RecordingFormat, 100*time.Millisecond, 0.5))
package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Input.Open] invocation.
type OpenCall struct {
	// DeviceID is the deviceID argument passed to Open.
	DeviceID string
}

// Input is a mock implementation of [audio.Input].
type Input struct {
	mu sync.Mutex

	// PermissionErr is returned by RequestPermission.
	PermissionErr error

	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device

	// DevicesErr is returned by Devices.
	DevicesErr error

	// OpenResult is returned by Open. When OpenFunc is set it takes precedence.
	OpenResult audio.Stream

	// OpenFunc, if non-nil, is called by Open instead of returning OpenResult.
	OpenFunc func(deviceID string) (audio.Stream, error)

	// OpenErr is returned by Open when OpenFunc is nil.
	OpenErr error

	// PermissionCalls records how many times RequestPermission was called.
	PermissionCalls int

	// DevicesCalls records how many times Devices was called.
	DevicesCalls int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

var _ audio.Input = (*Input)(nil)

// RequestPermission implements [audio.Input].
func (i *Input) RequestPermission(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.PermissionCalls++
	return i.PermissionErr
}

// SetPermissionErr replaces PermissionErr under the mock's lock.
func (i *Input) SetPermissionErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.PermissionErr = err
}

// Devices implements [audio.Input].
func (i *Input) Devices(_ context.Context) ([]audio.Device, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.DevicesCalls++
	out := make([]audio.Device, len(i.DevicesResult))
	copy(out, i.DevicesResult)
	return out, i.DevicesErr
}

// Open implements [audio.Input].
func (i *Input) Open(_ context.Context, deviceID string) (audio.Stream, error) {
	i.mu.Lock()
	i.OpenCalls = append(i.OpenCalls, OpenCall{DeviceID: deviceID})
	fn := i.OpenFunc
	res, err := i.OpenResult, i.OpenErr
	i.mu.Unlock()
	if fn != nil {
		return fn(deviceID)
	}
	return res, err
}

// Calls returns a snapshot of the recorded Open calls.
func (i *Input) Calls() []OpenCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]OpenCall, len(i.OpenCalls))
	copy(out, i.OpenCalls)
	return out
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] and [audio.Suspendable].
// Frames are injected with Push; Close closes the frame channel.
type Stream struct {
	mu sync.Mutex

	id     string
	frames chan audio.AudioFrame
	closed bool

	// Suspend makes Suspended report true until Resume is called.
	Suspend bool

	// ResumeErr is returned by Resume.
	ResumeErr error

	// ResumeCalls records how many times Resume was called.
	ResumeCalls int

	// CloseCalls records how many times Close was called.
	CloseCalls int
}

var (
	_ audio.Stream      = (*Stream)(nil)
	_ audio.Suspendable = (*Stream)(nil)
)

// NewStream returns an open mock stream whose frame channel has the given
// buffer size.
func NewStream(deviceID string, buffer int) *Stream {
	return &Stream{id: deviceID, frames: make(chan audio.AudioFrame, buffer)}
}

// DeviceID implements [audio.Stream].
func (s *Stream) DeviceID() string { return s.id }

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Push delivers frame to the stream's consumer. It reports false when the
// stream is already closed.
func (s *Stream) Push(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Close implements [audio.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Suspended implements [audio.Suspendable].
func (s *Stream) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Suspend
}

// Resume implements [audio.Suspendable].
func (s *Stream) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCalls++
	if s.ResumeErr != nil {
		return s.ResumeErr
	}
	s.Suspend = false
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// Tone returns a frame of a 440 Hz sine wave with the given duration and peak
// amplitude in [0, 1].
func Tone(f audio.Format, d time.Duration, amplitude float64) audio.AudioFrame {
	n := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	samples := make([]int16, n*f.Channels)
	for i := range n {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate)))
		for ch := range f.Channels {
			samples[i*f.Channels+ch] = v
		}
	}
	return audio.AudioFrame{Data: audio.PCMBytes(samples), SampleRate: f.SampleRate, Channels: f.Channels}
}

// Silence returns a frame of digital silence with the given duration.
func Silence(f audio.Format, d time.Duration) audio.AudioFrame {
	n := int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels
	return audio.AudioFrame{Data: make([]byte, n*2), SampleRate: f.SampleRate, Channels: f.Channels}
}
