// Package audio defines the microphone abstractions and PCM helpers used by
// PitchPractice's capture pipeline.
//
// The primary abstractions are:
//
//   - [Input]: grants microphone permission, enumerates devices and opens
//     streams on one of them.
//   - [Stream]: an open capture stream that delivers [AudioFrame] values until
//     it is closed.
//
// Concrete inputs live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). The interfaces are kept narrow so that the device
// enumerator, level meter and capture task stay decoupled from the driver.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Input.RequestPermission] when the
	// user or the operating system refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound is returned by [Input.Open] when deviceID does not name
	// a currently available input device.
	ErrDeviceNotFound = errors.New("audio: device not found")
)

// Device describes one audio input device.
type Device struct {
	// ID is the stable, driver-specific identifier persisted between sessions.
	ID string

	// Name is a human-readable label such as "MacBook Pro Microphone".
	Name string

	// Default reports whether the driver considers this the system default input.
	Default bool

	// Channels is the maximum number of input channels the device offers.
	Channels int

	// SampleRate is the device's default sample rate in Hz.
	SampleRate int
}

// Input is the entry point for a microphone driver.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// RequestPermission asks for microphone access. It returns
	// [ErrPermissionDenied] (possibly wrapped) when access is refused.
	RequestPermission(ctx context.Context) error

	// Devices lists the audio input devices currently available.
	Devices(ctx context.Context) ([]Device, error)

	// Open starts capturing from the device identified by deviceID. An empty
	// deviceID selects the system default input.
	Open(ctx context.Context, deviceID string) (Stream, error)
}

// Stream is an open capture stream.
//
// The channel returned by Frames is closed when the stream ends, either
// because Close was called or because the device went away.
type Stream interface {
	// DeviceID reports the device the stream captures from.
	DeviceID() string

	// Frames returns the read-only channel of captured audio.
	Frames() <-chan AudioFrame

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Suspendable is implemented by streams that may be delivered in a suspended
// state (for example after the host put the audio device to sleep). Callers
// must call Resume and wait for it before relying on frames.
type Suspendable interface {
	Suspended() bool
	Resume(ctx context.Context) error
}

// ResumeIfSuspended resumes s when it implements [Suspendable] and currently
// reports itself suspended. It is a no-op for all other streams.
func ResumeIfSuspended(ctx context.Context, s Stream) error {
	sus, ok := s.(Suspendable)
	if !ok || !sus.Suspended() {
		return nil
	}
	return sus.Resume(ctx)
}
