// Package portaudio implements [audio.Input] on top of the PortAudio C library
// via github.com/gordonklaus/portaudio.
//
// PortAudio has no explicit permission API. RequestPermission therefore opens
// and immediately closes a short stream on the default input device, which is
// what triggers the operating system's microphone prompt on platforms that
// have one. A failure to open is reported as [audio.ErrPermissionDenied].
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/pitchpractice/pkg/audio"
)

const (
	defaultFramesPerBuffer = 1024
	defaultFrameBuffer     = 64
)

// Option is a functional option for [Input].
type Option func(*Input)

// WithFramesPerBuffer sets how many sample frames each PortAudio read returns.
func WithFramesPerBuffer(n int) Option {
	return func(i *Input) {
		if n > 0 {
			i.framesPerBuffer = n
		}
	}
}

// WithChannels forces the number of captured channels. By default mono is
// captured when the device supports it.
func WithChannels(n int) Option {
	return func(i *Input) {
		if n > 0 {
			i.channels = n
		}
	}
}

// Input is a PortAudio backed microphone driver. Create it with [New] and
// release it with [Input.Close].
type Input struct {
	framesPerBuffer int
	channels        int

	mu          sync.Mutex
	initialized bool
}

var _ audio.Input = (*Input)(nil)

// New returns a PortAudio input. The library is initialised lazily on first use.
func New(opts ...Option) *Input {
	i := &Input{framesPerBuffer: defaultFramesPerBuffer, channels: 1}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Input) ensureInit() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	i.initialized = true
	return nil
}

// Close terminates the PortAudio library. Streams must be closed first.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.initialized {
		return nil
	}
	i.initialized = false
	return portaudio.Terminate()
}

// RequestPermission implements [audio.Input].
func (i *Input) RequestPermission(ctx context.Context) error {
	s, err := i.Open(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return s.Close()
}

// Devices implements [audio.Input]. Only devices with at least one input
// channel are returned.
func (i *Input) Devices(_ context.Context) ([]audio.Device, error) {
	if err := i.ensureInit(); err != nil {
		return nil, err
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []audio.Device
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		out = append(out, audio.Device{
			ID:         deviceID(info),
			Name:       info.Name,
			Default:    def != nil && def.Name == info.Name && def.HostApi == info.HostApi,
			Channels:   info.MaxInputChannels,
			SampleRate: int(info.DefaultSampleRate),
		})
	}
	return out, nil
}

// Open implements [audio.Input].
func (i *Input) Open(_ context.Context, id string) (audio.Stream, error) {
	if err := i.ensureInit(); err != nil {
		return nil, err
	}
	info, err := i.lookup(id)
	if err != nil {
		return nil, err
	}

	channels := min(i.channels, info.MaxInputChannels)
	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.FramesPerBuffer = i.framesPerBuffer

	buf := make([]int16, i.framesPerBuffer*channels)
	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %q: %w", info.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("portaudio: start %q: %w", info.Name, err)
	}

	s := &stream{
		id:     deviceID(info),
		pa:     pa,
		buf:    buf,
		format: audio.Format{SampleRate: int(params.SampleRate), Channels: channels},
		frames: make(chan audio.AudioFrame, defaultFrameBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (i *Input) lookup(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w", err)
		}
		return info, nil
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && deviceID(info) == id {
			return info, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %q: %w", id, audio.ErrDeviceNotFound)
}

// deviceID derives a stable identifier from host API and device name; PortAudio
// indices shift whenever devices are plugged in or removed.
func deviceID(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return info.Name
	}
	return info.HostApi.Name + "/" + info.Name
}

// stream is a running PortAudio capture.
type stream struct {
	id     string
	pa     *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.AudioFrame

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) DeviceID() string                { return s.id }
func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.frames)

	start := time.Now()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.pa.Read(); err != nil {
			// Input overflow only means we were late; the buffer is still valid.
			if err != portaudio.InputOverflowed {
				slog.Warn("portaudio: read failed, ending stream", "device", s.id, "err", err)
				return
			}
		}
		frame := audio.AudioFrame{
			Data:       audio.PCMBytes(s.buf),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  time.Since(start),
		}
		select {
		case s.frames <- frame:
		case <-s.stop:
			return
		}
	}
}

// Close stops capture, waits for the read loop and releases the device.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		if err := s.pa.Stop(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: stop: %w", err)
		}
		if err := s.pa.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close: %w", err)
		}
	})
	return s.closeErr
}
