// Package level implements the live microphone level meter.
//
// The meter keeps a sliding window of the most recent mono samples, turns
// their RMS into a UI-facing level in [0, 1] and maintains a silence latch
// that callers use to refuse recording from a muted or disconnected device.
//
// Frames reach the meter in one of two ways:
//
//   - [Meter.Monitor] reads a stream directly (microphone test mode).
//   - [Meter.Feed] is called by whoever else owns the stream (the capture
//     task while recording), with [Meter.Start] running only the sampler.
package level

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/pitchpractice/pkg/audio"
)

// Default tuning values.
const (
	DefaultWindow           = 2048
	DefaultGain             = 12.0
	DefaultSilenceThreshold = 0.01
	DefaultSilenceAfter     = 2000 * time.Millisecond
	DefaultInterval         = time.Second / 30
)

// ErrAlreadyStarted is returned by Start and Monitor on a running meter.
var ErrAlreadyStarted = errors.New("level: meter already started")

// Config tunes a [Meter]. Zero fields take the package defaults.
type Config struct {
	// Window is the number of most recent samples the RMS is computed over.
	Window int

	// Gain is the linear gain applied to the RMS before clamping.
	Gain float64

	// SilenceThreshold is the level below which a sample counts as silent.
	SilenceThreshold float64

	// SilenceAfter is how long the level must stay below SilenceThreshold
	// before the meter reports silence.
	SilenceAfter time.Duration

	// Interval is the sampling period of the background loop.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Gain <= 0 {
		c.Gain = DefaultGain
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceAfter <= 0 {
		c.SilenceAfter = DefaultSilenceAfter
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
}

// Sample is one level reading.
type Sample struct {
	// Level is the gained, clamped RMS in [0, 1].
	Level float64

	// Silent reports whether the silence latch is set.
	Silent bool

	// At is when the reading was taken.
	At time.Time
}

// Option is a functional option for [New].
type Option func(*Meter)

// WithConfig overrides the meter tuning.
func WithConfig(cfg Config) Option {
	return func(m *Meter) { m.cfg = cfg }
}

// WithClock sets the clock used for sampling and silence timing.
func WithClock(c clockwork.Clock) Option {
	return func(m *Meter) { m.clock = c }
}

// WithOnSample registers a callback invoked from the sampling loop after every
// reading. The callback must not block.
func WithOnSample(fn func(Sample)) Option {
	return func(m *Meter) { m.onSample = fn }
}

// Meter computes a live level and silence flag from fed audio.
//
// All methods are safe for concurrent use. A Meter runs at most once: after
// Stop it cannot be restarted; create a new one for the next stream.
type Meter struct {
	cfg      Config
	clock    clockwork.Clock
	onSample func(Sample)

	mu          sync.Mutex
	window      []float32
	pos         int
	filled      int
	silentSince time.Time
	latest      Sample
	started     bool
	stopped     bool
	loopCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a stopped meter.
func New(opts ...Option) *Meter {
	m := &Meter{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(m)
	}
	m.cfg.applyDefaults()
	m.window = make([]float32, m.cfg.Window)
	return m
}

// Config returns the effective tuning.
func (m *Meter) Config() Config { return m.cfg }

// Feed pushes the samples of f into the analysis window. Multi-channel frames
// are downmixed first. Feeding a stopped meter is a no-op.
func (m *Meter) Feed(f audio.AudioFrame) {
	pcm := f.Data
	if f.Channels > 1 {
		pcm = audio.DownmixToMono(pcm, f.Channels)
	}
	samples := audio.Float32Samples(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	// Only the tail that fits in the window matters.
	if len(samples) > len(m.window) {
		samples = samples[len(samples)-len(m.window):]
	}
	for _, s := range samples {
		m.window[m.pos] = s
		m.pos = (m.pos + 1) % len(m.window)
	}
	m.filled = min(m.filled+len(samples), len(m.window))
}

// Sample takes a reading now, updating the silence latch.
func (m *Meter) Sample() Sample {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rms := audio.RMS(m.windowLocked())
	lvl := min(max(rms*m.cfg.Gain, 0), 1)

	silent := false
	if lvl < m.cfg.SilenceThreshold {
		if m.silentSince.IsZero() {
			m.silentSince = now
		}
		silent = now.Sub(m.silentSince) >= m.cfg.SilenceAfter
	} else {
		m.silentSince = time.Time{}
	}

	m.latest = Sample{Level: lvl, Silent: silent, At: now}
	return m.latest
}

// windowLocked returns the filled part of the ring buffer; order does not
// matter for RMS.
func (m *Meter) windowLocked() []float32 {
	if m.filled < len(m.window) {
		// Not wrapped yet: valid samples are [0, pos).
		return m.window[:m.filled]
	}
	return m.window
}

// Latest returns the most recent reading.
func (m *Meter) Latest() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Level returns the most recent level.
func (m *Meter) Level() float64 { return m.Latest().Level }

// Silent reports whether the silence latch is currently set.
func (m *Meter) Silent() bool { return m.Latest().Silent }

// Start resumes s if it is suspended, waiting for the resume to finish, and
// then starts the background sampling loop. Frames must be supplied with
// [Meter.Feed].
func (m *Meter) Start(ctx context.Context, s audio.Stream) error {
	if err := audio.ResumeIfSuspended(ctx, s); err != nil {
		return fmt.Errorf("level: resume stream: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return ErrAlreadyStarted
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCtx, m.cancel = loopCtx, cancel
	// Created here so that a test clock sees the ticker as soon as Start returns.
	ticker := m.clock.NewTicker(m.cfg.Interval)
	m.wg.Add(1)
	go m.sampleLoop(loopCtx, ticker)
	return nil
}

// Monitor is Start plus a reader goroutine that feeds every frame of s into
// the meter. The meter stops itself when the stream ends.
func (m *Meter) Monitor(ctx context.Context, s audio.Stream) error {
	if err := m.Start(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	done := m.loopCtx.Done()
	m.wg.Add(1)
	m.mu.Unlock()

	frames := s.Frames()
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-done:
				return
			case f, ok := <-frames:
				if !ok {
					// Stop waits on wg, so it must not run on this goroutine.
					go m.Stop()
					return
				}
				m.Feed(f)
			}
		}
	}()
	return nil
}

func (m *Meter) sampleLoop(ctx context.Context, ticker clockwork.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s := m.Sample()
			if m.onSample != nil {
				m.onSample(s)
			}
		}
	}
}

// Stop halts the sampling loop and releases the analysis window. It blocks
// until the loop has exited, so it must not be called from an OnSample
// callback. Stop is idempotent. It does not close the stream; the stream
// owner does that.
func (m *Meter) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.window = make([]float32, 0)
	m.pos, m.filled = 0, 0
	m.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (m *Meter) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
