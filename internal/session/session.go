// Package session ties the client pipeline together for one user: it owns the
// microphone stream and hands it between the level meter (microphone test),
// the capture task (recording) and the orchestrator (processing).
//
// Only one audio stream is open at a time. Every operation that needs a new
// stream first fully releases the previous stream and its meter.
//
// Typical lifecycle:
//
//	s := session.New(cfg, input, kv, backend)
//	_ = s.Init(ctx)              // permission, devices, plan, drafts
//	_ = s.TestMic(ctx)           // optional: live level without recording
//	_ = s.StartRecording(ctx)
//	rec, r, err := s.Stop(ctx)   // finalize and submit
//	_ = s.Close()
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/pitchpractice/internal/capture"
	"github.com/MrWong99/pitchpractice/internal/device"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/kvstore"
	"github.com/MrWong99/pitchpractice/internal/level"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/orchestrator"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

var _ capture.LevelMeter = (*level.Meter)(nil)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")

	// ErrRecording is returned by operations that need an idle capture.
	ErrRecording = errors.New("session: a recording is in progress")

	// ErrNoRecording is returned by Submit when there is no finalized
	// recording to send.
	ErrNoRecording = errors.New("session: no finalized recording")
)

// Config is the explicit set of knobs a session runs with.
type Config struct {
	// Capabilities is used until the plan has been resolved from the
	// backend. The zero value is the free plan.
	Capabilities entitlement.Capabilities

	// Level tunes the level meter for both the microphone test and
	// recording.
	Level level.Config

	// Capture tunes the capture task. MaxDuration is always taken from the
	// resolved capabilities.
	Capture capture.Config

	// Orchestrator tunes polling and the slow notice.
	Orchestrator orchestrator.Config

	// AbortOnSilence discards a recording when the microphone goes silent
	// while recording.
	AbortOnSilence bool
}

// EventKind distinguishes session events.
type EventKind int

const (
	// EventLevel carries a level meter reading in Level.
	EventLevel EventKind = iota
	// EventTick carries the elapsed and ceiling times while recording.
	EventTick
	// EventRecorded carries a finalized recording in Recording.
	EventRecorded
	// EventCaptureFailed carries the reason a capture produced nothing in Err.
	EventCaptureFailed
	// EventPipeline forwards an orchestrator event in Pipeline.
	EventPipeline
	// EventSubmitFailed carries the error of a background submission in Err.
	EventSubmitFailed
)

// Event is delivered to the callback registered with [WithOnEvent].
type Event struct {
	Kind      EventKind
	Level     level.Sample
	Elapsed   time.Duration
	Limit     time.Duration
	Recording *capture.Recording
	Err       error
	Pipeline  orchestrator.Event
}

// Snapshot is a point-in-time view of the session for rendering.
type Snapshot struct {
	Capabilities  entitlement.Capabilities
	HasPermission bool
	Devices       []audio.Device
	DeviceID      string
	Testing       bool
	Capture       capture.State
	Elapsed       time.Duration
	Level         level.Sample
	Rubric        rubric.Selection
	PitchContext  string
	Recording     *capture.Recording
	Run           run.Run
	LastError     *orchestrator.StepError
	Polling       bool
}

// Option is a functional option for [New].
type Option func(*Session)

// WithClock sets the clock shared by the meter, capture and orchestrator.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnEvent registers the event callback. It may be called from internal
// goroutines and must not block or call back into the session.
func WithOnEvent(fn func(Event)) Option {
	return func(s *Session) { s.onEvent = fn }
}

// WithDurationProbe overrides the capture duration probe. Mostly useful in
// tests.
func WithDurationProbe(p capture.DurationProbe) Option {
	return func(s *Session) { s.probe = p }
}

// Session is one user's practice session. All methods are safe for
// concurrent use.
type Session struct {
	cfg     Config
	input   audio.Input
	kv      kvstore.Store
	backend pitchapi.Backend
	clock   clockwork.Clock
	metrics *observe.Metrics
	onEvent func(Event)
	probe   capture.DurationProbe

	devices *device.Enumerator
	orch    *orchestrator.Orchestrator

	// bg scopes background submissions; Close cancels it.
	bg       context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	caps      entitlement.Capabilities
	sel       rubric.Selection
	lastCust  *rubric.Rubric
	draft     string
	stream    audio.Stream // held only while testing the microphone
	meter     *level.Meter // test meter or the recording's meter
	testing   bool
	task      *capture.Task
	recSel    rubric.Selection
	recDraft  string
	recording *capture.Recording
	closed    bool
}

// New creates a session. Call [Session.Init] before use.
func New(cfg Config, input audio.Input, kv kvstore.Store, backend pitchapi.Backend, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		input:   input,
		kv:      kv,
		backend: backend,
		clock:   clockwork.NewRealClock(),
		caps:    cfg.Capabilities,
		sel:     rubric.ByID(rubric.DefaultID),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.caps.MaxDuration == 0 {
		s.caps = entitlement.Resolve(entitlement.Entitlement{Plan: entitlement.PlanFree}, s.clock.Now())
	}
	s.bg, s.bgCancel = context.WithCancel(context.Background())
	s.devices = device.NewEnumerator(input, kv)

	ocfg := cfg.Orchestrator
	ocfg.Capabilities = s.caps
	s.orch = orchestrator.New(backend, ocfg,
		orchestrator.WithClock(s.clock),
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithOnEvent(func(ev orchestrator.Event) {
			s.emit(Event{Kind: EventPipeline, Pipeline: ev})
		}),
	)
	return s
}

// Init resolves the plan, discovers microphones and restores the locally
// cached drafts. A denied microphone permission or a failed plan lookup is
// returned but leaves the session usable: the user can retry permission and
// the plan falls back to free.
func (s *Session) Init(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	planErr := s.RefreshPlan(ctx)

	draft, err := kvstore.GetString(ctx, s.kv, kvstore.KeyPitchContextDraft)
	if err != nil {
		slog.Warn("session: read pitch context draft", "err", err)
	}
	last, err := rubric.LoadLastCustom(ctx, s.kv)
	if err != nil {
		slog.Warn("session: read last custom rubric", "err", err)
	}
	s.mu.Lock()
	s.draft = draft
	s.lastCust = last
	s.mu.Unlock()

	devErr := s.devices.Init(ctx)
	return errors.Join(devErr, planErr)
}

// RefreshPlan fetches the caller's entitlement and applies the resolved
// capabilities. On failure the session drops to the free plan.
func (s *Session) RefreshPlan(ctx context.Context) error {
	ent, err := s.backend.ResolvePlan(ctx)
	if err != nil {
		slog.Warn("session: resolve plan failed, using free plan", "err", err)
		ent = entitlement.Entitlement{Plan: entitlement.PlanFree}
	}
	caps := entitlement.Resolve(ent, s.clock.Now())

	s.mu.Lock()
	s.caps = caps
	if s.sel.IsCustom() && !caps.AllowCustomRubric() {
		s.sel = rubric.ByID(rubric.DefaultID)
	}
	s.mu.Unlock()
	s.orch.SetCapabilities(caps)

	slog.Info("session: plan resolved", "plan", caps.Plan, "max_duration", caps.MaxDuration)
	if err != nil {
		return fmt.Errorf("session: resolve plan: %w", err)
	}
	return nil
}

// Capabilities returns the capabilities currently in force.
func (s *Session) Capabilities() entitlement.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Devices exposes the device enumerator.
func (s *Session) Devices() *device.Enumerator { return s.devices }

// Orchestrator exposes the processing orchestrator.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// RetryPermission re-prompts for microphone access.
func (s *Session) RetryPermission(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.devices.RetryPermission(ctx)
}

// SelectDevice switches microphones. A running microphone test moves to the
// new device; switching is refused while recording.
func (s *Session) SelectDevice(ctx context.Context, id string) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.devices.Select(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	testing := s.testing
	s.mu.Unlock()
	if testing {
		return s.TestMic(ctx)
	}
	return nil
}

// SetRubric chooses the rubric for the next recording. A custom rubric
// requires a plan that can edit rubrics and is cached as the last custom
// rubric.
func (s *Session) SetRubric(ctx context.Context, sel rubric.Selection) error {
	if err := sel.Validate(); err != nil {
		return fmt.Errorf("session: set rubric: %w", err)
	}
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()
	if err := sel.Authorize(caps); err != nil {
		return err
	}
	if sel.IsCustom() {
		if err := rubric.SaveLastCustom(ctx, s.kv, *sel.Custom); err != nil {
			slog.Warn("session: cache custom rubric", "err", err)
		}
	}
	s.mu.Lock()
	s.sel = sel
	if sel.IsCustom() {
		c := *sel.Custom
		s.lastCust = &c
	}
	s.mu.Unlock()
	return nil
}

// Rubric returns the current rubric selection.
func (s *Session) Rubric() rubric.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// LastCustomRubric returns the most recently used custom rubric, or nil.
func (s *Session) LastCustomRubric() *rubric.Rubric {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCust == nil {
		return nil
	}
	r := *s.lastCust
	return &r
}

// SetPitchContext updates the pitch context sent with the next submission
// and persists it as a draft. An empty text clears the draft.
func (s *Session) SetPitchContext(ctx context.Context, text string) error {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()

	var err error
	if text == "" {
		err = s.kv.Delete(ctx, kvstore.KeyPitchContextDraft)
	} else {
		err = s.kv.Set(ctx, kvstore.KeyPitchContextDraft, []byte(text))
	}
	if err != nil {
		// The draft is a convenience; the in-memory value is still used.
		slog.Warn("session: persist pitch context draft", "err", err)
	}
	return nil
}

// PitchContext returns the current pitch context.
func (s *Session) PitchContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// TestMic opens the selected microphone and runs the level meter on it
// without recording. Calling it again restarts the test.
func (s *Session) TestMic(ctx context.Context) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	s.releaseStream()

	stream, err := s.open(ctx)
	if err != nil {
		return err
	}
	m := s.newMeter()
	if err := m.Monitor(ctx, stream); err != nil {
		_ = stream.Close()
		return fmt.Errorf("session: test mic: %w", err)
	}

	s.mu.Lock()
	s.stream, s.meter, s.testing = stream, m, true
	s.mu.Unlock()
	slog.Debug("session: microphone test started", "device", stream.DeviceID())
	return nil
}

// StopTest ends the microphone test and releases the stream.
func (s *Session) StopTest() {
	s.mu.Lock()
	testing := s.testing
	s.mu.Unlock()
	if testing {
		s.releaseStream()
	}
}

// StartRecording begins a capture on the selected microphone with the
// current rubric and pitch context. It is refused when a running microphone
// test has latched silence.
func (s *Session) StartRecording(ctx context.Context) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.testing && s.meter != nil && s.meter.Silent() {
		s.mu.Unlock()
		return capture.ErrSilent
	}
	sel, draft, caps := s.sel, s.draft, s.caps
	s.mu.Unlock()

	if err := sel.Authorize(caps); err != nil {
		return err
	}
	s.releaseStream()

	stream, err := s.open(ctx)
	if err != nil {
		return err
	}
	m := s.newMeter()
	if err := m.Start(ctx, stream); err != nil {
		_ = stream.Close()
		return fmt.Errorf("session: start recording: %w", err)
	}

	ccfg := s.cfg.Capture
	ccfg.MaxDuration = caps.MaxDuration
	ccfg.AbortOnSilence = s.cfg.AbortOnSilence
	opts := []capture.Option{
		capture.WithClock(s.clock),
		capture.WithOnTick(func(elapsed, limit time.Duration) {
			s.emit(Event{Kind: EventTick, Elapsed: elapsed, Limit: limit})
		}),
	}
	if s.probe != nil {
		opts = append(opts, capture.WithDurationProbe(s.probe))
	}
	var task *capture.Task
	task = capture.NewTask(ccfg, append(opts, capture.WithOnStop(func(rec capture.Recording, err error) {
		s.captureEnded(task, rec, err)
	}))...)

	s.mu.Lock()
	s.task = task
	s.meter = m
	s.recSel, s.recDraft = sel, draft
	s.recording = nil
	s.mu.Unlock()

	if err := task.Start(stream, m, sel); err != nil {
		m.Stop()
		_ = stream.Close()
		s.mu.Lock()
		s.task, s.meter = nil, nil
		s.mu.Unlock()
		return err
	}
	s.metrics.ActiveRecordings.Add(ctx, 1)
	slog.Info("session: recording started", "device", stream.DeviceID(), "rubric", sel.String(), "limit", caps.MaxDuration)
	return nil
}

// Pause suspends the current recording.
func (s *Session) Pause() error {
	task := s.currentTask()
	if task == nil {
		return capture.ErrNotRecording
	}
	return task.Pause()
}

// Resume continues a paused recording.
func (s *Session) Resume() error {
	task := s.currentTask()
	if task == nil {
		return capture.ErrNotPaused
	}
	return task.Resume()
}

// Stop finalizes the current recording and submits it for processing. The
// returned run reflects the state after the last step that ran. When the
// recording was empty or silent, nothing is submitted and the capture error
// is returned.
func (s *Session) Stop(ctx context.Context) (capture.Recording, run.Run, error) {
	if err := s.checkOpen(); err != nil {
		return capture.Recording{}, run.Run{}, err
	}
	task := s.currentTask()
	if task == nil {
		return capture.Recording{}, run.Run{}, capture.ErrNotRecording
	}
	rec, err := task.Stop()
	if err != nil {
		return rec, run.Run{}, err
	}
	if rec.Reason != capture.ReasonUser {
		// The capture stopped on its own and was already handed off.
		return rec, s.orch.Run(), nil
	}
	s.mu.Lock()
	discarded := s.task != task
	sel, draft := s.recSel, s.recDraft
	s.mu.Unlock()
	if discarded {
		// Re-recorded while the capture was finalizing.
		return capture.Recording{}, run.Run{}, capture.ErrCanceled
	}

	r, err := s.orch.Submit(ctx, orchestrator.FromRecording(rec, sel, draft))
	return rec, r, err
}

// ReRecord discards the current capture, if any, and returns to idle so that
// a new recording can be started. A run already submitted keeps processing.
func (s *Session) ReRecord() {
	// Detach first so a capture finalizing concurrently is not handed off.
	s.mu.Lock()
	task := s.task
	s.task, s.meter, s.recording = nil, nil, nil
	s.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// Submit sends the last finalized recording again, e.g. after an upload that
// the user abandoned. It is a no-op error when nothing was recorded.
func (s *Session) Submit(ctx context.Context) (run.Run, error) {
	if err := s.checkOpen(); err != nil {
		return run.Run{}, err
	}
	s.mu.Lock()
	rec, sel, draft := s.recording, s.recSel, s.recDraft
	s.mu.Unlock()
	if rec == nil {
		return run.Run{}, ErrNoRecording
	}
	return s.orch.Submit(ctx, orchestrator.FromRecording(*rec, sel, draft))
}

// Retry re-runs the last failed processing step.
func (s *Session) Retry(ctx context.Context) (run.Run, error) {
	if err := s.checkOpen(); err != nil {
		return run.Run{}, err
	}
	return s.orch.Retry(ctx)
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Capabilities: s.caps,
		Testing:      s.testing,
		Rubric:       s.sel,
		PitchContext: s.draft,
		Recording:    s.recording,
	}
	task, m := s.task, s.meter
	s.mu.Unlock()

	snap.HasPermission = s.devices.HasPermission()
	snap.Devices = s.devices.Devices()
	snap.DeviceID = s.devices.Selected()
	if task != nil {
		snap.Capture = task.State()
		snap.Elapsed = task.Elapsed()
	}
	if m != nil {
		snap.Level = m.Latest()
	}
	snap.Run = s.orch.Run()
	snap.LastError = s.orch.LastError()
	snap.Polling = s.orch.Polling()
	return snap
}

// Close discards any capture, releases the microphone, stops polling and
// waits for background submissions. Remote processing is not canceled.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	task := s.task
	s.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
	s.releaseStream()
	s.bgCancel()
	s.wg.Wait()
	return s.orch.Close()
}

// ---- helpers ----

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// checkIdle fails while a capture is recording or paused.
func (s *Session) checkIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.task != nil {
		switch s.task.State() {
		case capture.StateRecording, capture.StatePaused:
			return ErrRecording
		}
	}
	return nil
}

func (s *Session) currentTask() *capture.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *Session) open(ctx context.Context) (audio.Stream, error) {
	if !s.devices.HasPermission() {
		return nil, device.ErrPermissionDenied
	}
	id := s.devices.Selected()
	stream, err := s.input.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: open device %q: %w", id, err)
	}
	return stream, nil
}

func (s *Session) newMeter() *level.Meter {
	return level.New(
		level.WithConfig(s.cfg.Level),
		level.WithClock(s.clock),
		level.WithOnSample(func(smp level.Sample) {
			s.emit(Event{Kind: EventLevel, Level: smp})
		}),
	)
}

// releaseStream tears down the microphone test stream and meter. A
// recording's stream belongs to the capture task and is left alone.
func (s *Session) releaseStream() {
	s.mu.Lock()
	if !s.testing {
		s.mu.Unlock()
		return
	}
	stream, m := s.stream, s.meter
	s.stream, s.meter, s.testing = nil, nil, false
	s.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("session: close stream", "err", err)
		}
	}
}

// captureEnded runs once per capture on the capture task's goroutine.
func (s *Session) captureEnded(task *capture.Task, rec capture.Recording, err error) {
	ctx := context.Background()
	s.metrics.ActiveRecordings.Add(ctx, -1)

	if err != nil {
		if !errors.Is(err, capture.ErrCanceled) {
			slog.Info("session: capture produced nothing", "reason", rec.Reason, "err", err)
			s.emit(Event{Kind: EventCaptureFailed, Err: err})
		}
		return
	}
	s.metrics.RecordRecording(ctx, string(rec.Reason), rec.Duration)

	s.mu.Lock()
	if s.task != task {
		s.mu.Unlock()
		return
	}
	s.recording = &rec
	sel, draft := s.recSel, s.recDraft
	// A user stop submits from Stop; automatic stops are handed off here.
	auto := rec.Reason != capture.ReasonUser && !s.closed
	if auto {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventRecorded, Recording: &rec})
	if !auto {
		return
	}
	go func() {
		defer s.wg.Done()
		if _, err := s.orch.Submit(s.bg, orchestrator.FromRecording(rec, sel, draft)); err != nil {
			slog.Warn("session: automatic submission failed", "reason", rec.Reason, "err", err)
			s.emit(Event{Kind: EventSubmitFailed, Err: err})
		}
	}()
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
