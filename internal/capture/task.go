package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/audio"
)

// Option is a functional option for [NewTask].
type Option func(*Task)

// WithClock sets the clock used for timers and elapsed-time accounting.
func WithClock(c clockwork.Clock) Option {
	return func(t *Task) { t.clock = c }
}

// WithDurationProbe replaces the WAV header probe used to compute the final
// duration. Mostly useful in tests.
func WithDurationProbe(p DurationProbe) Option {
	return func(t *Task) { t.probe = p }
}

// WithOnTick registers a callback invoked on every elapsed-time tick while
// recording, with the active elapsed time and the ceiling (0 if none).
func WithOnTick(fn func(elapsed, limit time.Duration)) Option {
	return func(t *Task) { t.onTick = fn }
}

// WithOnStop registers a callback invoked once per capture when it has been
// finalized, whatever stopped it. It runs on an internal goroutine before
// Stop and Cancel return, so it must not call either.
func WithOnStop(fn func(Recording, error)) Option {
	return func(t *Task) { t.onStop = fn }
}

// Task is the capture controller. Create it with [NewTask].
//
// All methods are safe for concurrent use.
type Task struct {
	cfg    Config
	clock  clockwork.Clock
	probe  DurationProbe
	onTick func(elapsed, limit time.Duration)
	onStop func(Recording, error)

	mu    sync.Mutex
	state State
	cur   *session
}

// session is the state of one capture, from Start until it is finalized or
// discarded.
type session struct {
	stream audio.Stream
	meter  LevelMeter
	conv   audio.FormatConverter
	cancel context.CancelFunc
	group  *errgroup.Group

	startedAt   time.Time
	stoppedAt   time.Time
	pauseStart  time.Time
	pausedTotal time.Duration
	intervals   []Interval

	segments [][]byte
	current  []byte
	buffered int
	seen     int

	stopping  bool
	committed bool
	reason    StopReason
	abortErr  error

	finished chan struct{}
	rec      Recording
	err      error
}

// NewTask returns an idle capture task.
func NewTask(cfg Config, opts ...Option) *Task {
	cfg.applyDefaults()
	t := &Task{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		probe: audio.WAVDuration,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Config returns the effective configuration.
func (t *Task) Config() Config { return t.cfg }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Elapsed returns the active (unpaused) recording time so far.
func (t *Task) Elapsed() time.Duration {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return 0
	}
	return t.cur.elapsed(now)
}

// BufferedBytes returns the PCM bytes captured so far.
func (t *Task) BufferedBytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return 0
	}
	return t.cur.buffered
}

// Start begins capturing from stream. The task takes ownership of stream and
// meter (which may be nil): both are torn down when the capture ends. On
// error, ownership stays with the caller.
//
// Start requires the idle state, a valid rubric selection and a meter that
// has not latched silence.
func (t *Task) Start(stream audio.Stream, meter LevelMeter, sel rubric.Selection) error {
	if stream == nil {
		return ErrNoStream
	}
	if err := sel.Validate(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	if meter != nil && meter.Silent() {
		return ErrSilent
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRecording || t.state == StatePaused {
		return ErrNotIdle
	}
	if t.state == StateStopped {
		// A finalized recording is handed off; starting over is allowed.
		t.cur = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s := &session{
		stream:    stream,
		meter:     meter,
		conv:      audio.FormatConverter{Target: t.cfg.Format},
		cancel:    cancel,
		group:     g,
		startedAt: t.clock.Now(),
		finished:  make(chan struct{}),
	}
	t.cur = s
	t.state = StateRecording

	// Tickers are created before Start returns so a fake clock observes them.
	segTicker := t.clock.NewTicker(t.cfg.SegmentInterval)
	tick := t.clock.NewTicker(t.cfg.TickInterval)
	frames := stream.Frames()

	g.Go(func() error { t.readLoop(s, frames); return nil })
	g.Go(func() error { t.timerLoop(gctx, s, segTicker, tick); return nil })

	slog.Debug("capture: started", "device", stream.DeviceID(), "rubric", sel.String(), "limit", t.cfg.MaxDuration)
	return nil
}

// Pause suspends capture. Frames delivered while paused are discarded and
// the paused time does not count towards the duration.
func (t *Task) Pause() error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRecording || t.cur.stopping {
		return ErrNotRecording
	}
	t.cur.pauseStart = now
	t.state = StatePaused
	return nil
}

// Resume continues a paused capture.
func (t *Task) Resume() error {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused || t.cur.stopping {
		return ErrNotPaused
	}
	t.cur.endPause(now)
	t.state = StateRecording
	return nil
}

// Stop ends the capture and returns the finalized recording. If the capture
// already stopped on its own (ceiling reached, stream lost) Stop returns that
// result. Stop returns [ErrNoAudio] when nothing usable was captured; the
// task is then idle again.
func (t *Task) Stop() (Recording, error) {
	t.mu.Lock()
	s := t.cur
	if s == nil {
		t.mu.Unlock()
		return Recording{}, ErrNotRecording
	}
	t.requestStopLocked(s, ReasonUser, nil)
	t.mu.Unlock()

	<-s.finished
	return s.rec, s.err
}

// Cancel discards the current capture, whatever its state, and returns the
// task to idle. Buffered audio is dropped and the stream, meter and timers
// are released before Cancel returns. Cancel on an idle task is a no-op.
func (t *Task) Cancel() {
	t.mu.Lock()
	s := t.cur
	if s == nil {
		t.mu.Unlock()
		return
	}
	t.requestStopLocked(s, ReasonCanceled, ErrCanceled)
	// A finalize still in flight discards its result when it commits. One
	// that already committed has been handed off.
	if !s.committed {
		s.abortErr = ErrCanceled
		s.reason = ReasonCanceled
	}
	t.mu.Unlock()

	<-s.finished

	t.mu.Lock()
	if t.cur == s {
		t.cur = nil
		t.state = StateIdle
	}
	t.mu.Unlock()
}

// Done returns a channel closed once the current capture has been finalized
// or discarded, or nil when there is no capture.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return nil
	}
	return t.cur.finished
}

// requestStopLocked begins finalizing s exactly once. t.mu must be held.
func (t *Task) requestStopLocked(s *session, reason StopReason, abort error) {
	if s.stopping {
		return
	}
	now := t.clock.Now()
	s.stopping = true
	s.reason = reason
	s.abortErr = abort
	if !s.pauseStart.IsZero() {
		s.endPause(now)
	}
	s.stoppedAt = now
	go t.finish(s)
}

// readLoop buffers frames until the stream's channel is closed, which
// happens when the stream is closed on stop or when the device goes away.
func (t *Task) readLoop(s *session, frames <-chan audio.AudioFrame) {
	for f := range frames {
		if s.meter != nil {
			s.meter.Feed(f)
		}
		conv := s.conv.Convert(f)
		t.mu.Lock()
		s.seen++
		if t.cur == s && t.state == StateRecording && len(conv.Data) > 0 {
			s.current = append(s.current, conv.Data...)
			s.buffered += len(conv.Data)
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.stopping {
		slog.Warn("capture: audio stream ended unexpectedly, stopping", "device", s.stream.DeviceID())
		t.requestStopLocked(s, ReasonStreamLost, nil)
	}
}

func (t *Task) timerLoop(ctx context.Context, s *session, segTicker, tick clockwork.Ticker) {
	defer segTicker.Stop()
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-segTicker.Chan():
			t.mu.Lock()
			s.cutSegment()
			t.mu.Unlock()
		case <-tick.Chan():
			t.onTickEvent(s)
		}
	}
}

func (t *Task) onTickEvent(s *session) {
	now := t.clock.Now()
	t.mu.Lock()
	if t.cur != s || s.stopping || t.state != StateRecording {
		t.mu.Unlock()
		return
	}
	elapsed := s.elapsed(now)
	limit := t.cfg.MaxDuration
	switch {
	case limit > 0 && elapsed >= limit:
		slog.Info("capture: duration ceiling reached", "elapsed", elapsed, "limit", limit)
		t.requestStopLocked(s, ReasonCeiling, nil)
	case t.cfg.AbortOnSilence && s.meter != nil && s.meter.Silent():
		slog.Info("capture: sustained silence, discarding capture", "elapsed", elapsed)
		t.requestStopLocked(s, ReasonSilence, ErrSilent)
	}
	t.mu.Unlock()

	if t.onTick != nil {
		if limit > 0 {
			elapsed = min(elapsed, limit)
		}
		t.onTick(elapsed, limit)
	}
}

// finish tears s down and finalizes it. It runs on its own goroutine.
func (t *Task) finish(s *session) {
	// Closing the stream closes its frame channel; readLoop drains what is
	// still buffered and returns.
	if err := s.stream.Close(); err != nil {
		slog.Warn("capture: close stream", "err", err)
	}
	s.cancel()
	_ = s.group.Wait()
	if s.meter != nil {
		s.meter.Stop()
	}

	t.mu.Lock()
	s.cutSegment()
	abort := s.abortErr
	pcm := s.payload()
	rec := Recording{
		MimeType:        audio.WAVMimeType,
		DeviceID:        s.stream.DeviceID(),
		StartedAt:       s.startedAt,
		StoppedAt:       s.stoppedAt,
		PausedIntervals: append([]Interval(nil), s.intervals...),
		Segments:        len(s.segments),
		Reason:          s.reason,
		Elapsed:         s.elapsed(s.stoppedAt),
	}
	s.segments, s.current = nil, nil
	t.mu.Unlock()

	var err error
	if abort == nil {
		rec, err = t.finalize(rec, pcm)
	} else {
		err = abort
	}

	t.mu.Lock()
	if s.abortErr != nil && err == nil {
		// Canceled while finalizing.
		slog.Debug("capture: discarding recording finalized after cancel", "reason", s.reason)
		rec.Audio, rec.Reason = nil, s.reason
		err = s.abortErr
	}
	s.committed = true
	s.rec, s.err = rec, err
	if t.cur == s {
		if err == nil {
			t.state = StateStopped
		} else {
			t.state = StateIdle
		}
	}
	t.mu.Unlock()

	// onStop runs before finished is closed so Stop and Cancel return only
	// after the hand-off decision was made.
	if t.onStop != nil {
		t.onStop(rec, err)
	}
	close(s.finished)
}

// finalize turns the concatenated PCM into the uploadable recording.
func (t *Task) finalize(rec Recording, pcm []byte) (Recording, error) {
	limit := t.cfg.MaxDuration
	if rec.Reason == ReasonCeiling && limit > 0 {
		// The last tick may land up to one interval past the ceiling.
		rec.Elapsed = min(rec.Elapsed, limit)
		if maxBytes := int(int64(t.cfg.Format.BytesPerSecond()) * int64(limit) / int64(time.Second)); len(pcm) > maxBytes {
			pcm = pcm[:maxBytes]
		}
	}

	if len(pcm) < t.cfg.MinPayloadBytes {
		slog.Warn("capture: payload below minimum, rejecting", "bytes", len(pcm), "min", t.cfg.MinPayloadBytes)
		return rec, ErrNoAudio
	}

	wav, err := audio.EncodeWAV(pcm, t.cfg.Format)
	if err != nil {
		return rec, fmt.Errorf("capture: finalize: %w", err)
	}
	rec.Audio = wav
	rec.Duration, rec.Decoded = t.duration(wav, rec.Elapsed)
	if rec.Reason == ReasonCeiling && limit > 0 {
		rec.Duration = min(rec.Duration, limit)
	}

	slog.Info("capture: finalized",
		"bytes", len(wav),
		"duration", rec.Duration,
		"elapsed", rec.Elapsed,
		"decoded", rec.Decoded,
		"segments", rec.Segments,
		"reason", rec.Reason,
	)
	return rec, nil
}

// duration applies the single precedence rule: the decoded payload duration
// wins; wall-clock elapsed is the fallback when decoding fails.
func (t *Task) duration(payload []byte, elapsed time.Duration) (time.Duration, bool) {
	d, err := t.probe(payload)
	if err != nil || d <= 0 {
		if err == nil {
			err = errors.New("non-positive duration")
		}
		slog.Debug("capture: duration probe failed, using elapsed", "err", err, "elapsed", elapsed)
		return elapsed, false
	}
	return d, true
}

// ---- session helpers (t.mu held) ----

func (s *session) endPause(now time.Time) {
	iv := Interval{Start: s.pauseStart, End: now}
	s.intervals = append(s.intervals, iv)
	s.pausedTotal += iv.Duration()
	s.pauseStart = time.Time{}
}

func (s *session) elapsed(now time.Time) time.Duration {
	end := now
	if s.stopping {
		end = s.stoppedAt
	}
	e := end.Sub(s.startedAt) - s.pausedTotal
	if !s.pauseStart.IsZero() {
		e -= end.Sub(s.pauseStart)
	}
	return max(e, 0)
}

func (s *session) cutSegment() {
	if len(s.current) == 0 {
		return
	}
	s.segments = append(s.segments, s.current)
	s.current = nil
}

func (s *session) payload() []byte {
	out := make([]byte, 0, s.buffered)
	for _, seg := range s.segments {
		out = append(out, seg...)
	}
	return out
}
