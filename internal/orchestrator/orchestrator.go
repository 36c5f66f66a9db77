// Package orchestrator drives a finished recording through the backend:
// upload, then transcription, then analysis.
//
// Steps run strictly in that order, each as a single request. A failed step
// is reported as a [*StepError] and is never retried automatically; the user
// retries it with [Orchestrator.Retry] (or by calling the step directly).
//
// While the run is not terminal, the orchestrator polls the backend for
// snapshots. Every snapshot, whether polled or returned by a step, is merged
// through [run.Reconcile], so a late or out-of-order response can never move
// the run backwards. If no terminal status arrives within SlowAfter, a single
// "still processing" notice is emitted and polling continues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/pitchpractice/internal/capture"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/resilience"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// Polling defaults.
const (
	DefaultPollInterval = 1500 * time.Millisecond
	MinPollInterval     = 1500 * time.Millisecond
	MaxPollInterval     = 2 * time.Second
	DefaultSlowAfter    = 60 * time.Second
)

// SlowNotice is the text of the one-time notice emitted when processing takes
// longer than SlowAfter.
const SlowNotice = "Still processing. It is safe to leave; the result will be saved to your run."

var (
	// ErrNoRun is returned by Transcribe and Analyze before a run was uploaded.
	ErrNoRun = errors.New("orchestrator: no run uploaded yet")

	// ErrNoTranscript is returned by Analyze before a transcript exists.
	ErrNoTranscript = errors.New("orchestrator: run has no transcript yet")

	// ErrAlreadyUploaded is returned by Upload when the current submission
	// already has a run.
	ErrAlreadyUploaded = errors.New("orchestrator: run already uploaded")

	// ErrNoSubmission is returned by Upload and Retry before Submit.
	ErrNoSubmission = errors.New("orchestrator: nothing submitted")

	// ErrNothingToRetry is returned by Retry when no step has failed.
	ErrNothingToRetry = errors.New("orchestrator: no failed step to retry")

	// ErrBusy is returned when a step is started while another is in flight.
	ErrBusy = errors.New("orchestrator: a step is already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator: closed")
)

// Step names one stage of processing.
type Step string

const (
	StepUpload     Step = "upload"
	StepTranscribe Step = "transcribe"
	StepAnalyze    Step = "analyze"
)

// next returns the step that follows s, or "" after analyze.
func (s Step) next() Step {
	switch s {
	case StepUpload:
		return StepTranscribe
	case StepTranscribe:
		return StepAnalyze
	}
	return ""
}

// StepError is a failed step. Message is user-facing; Detail carries the
// backend's details when it sent any.
type StepError struct {
	Step    Step
	Message string
	Detail  string
	Err     error
}

// Error implements error.
func (e *StepError) Error() string {
	msg := fmt.Sprintf("orchestrator: %s failed: %s", e.Step, e.Message)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error { return e.Err }

func newStepError(step Step, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	msg, detail := pitchapi.Describe(err)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		msg, detail = "the service is temporarily unavailable, try again shortly", ""
	case errors.Is(err, rubric.ErrCustomNotAllowed):
		msg, detail = "custom rubrics require the coach plan", ""
	case errors.Is(err, context.DeadlineExceeded):
		msg = "the request timed out"
	}
	return &StepError{Step: step, Message: msg, Detail: detail, Err: err}
}

// Config parameterises an [Orchestrator].
type Config struct {
	// PollInterval is the status polling cadence, clamped to
	// [MinPollInterval, MaxPollInterval]. Default: 1.5s.
	PollInterval time.Duration

	// SlowAfter is how long after upload the still-processing notice is
	// emitted. Default: 60s.
	SlowAfter time.Duration

	// Capabilities gates custom rubrics. The zero value is the free plan.
	// See also [Orchestrator.SetCapabilities].
	Capabilities entitlement.Capabilities
}

func (c *Config) applyDefaults() {
	switch {
	case c.PollInterval <= 0:
		c.PollInterval = DefaultPollInterval
	case c.PollInterval < MinPollInterval:
		c.PollInterval = MinPollInterval
	case c.PollInterval > MaxPollInterval:
		c.PollInterval = MaxPollInterval
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = DefaultSlowAfter
	}
}

// Submission is everything needed to process one recording.
type Submission struct {
	Audio        []byte
	MimeType     string
	FileName     string
	Duration     time.Duration
	Rubric       rubric.Selection
	PitchContext string
}

// FromRecording builds a Submission from a finalized capture.
func FromRecording(rec capture.Recording, sel rubric.Selection, pitchContext string) Submission {
	return Submission{
		Audio:        rec.Audio,
		MimeType:     rec.MimeType,
		Duration:     rec.Duration,
		Rubric:       sel,
		PitchContext: pitchContext,
	}
}

// EventKind distinguishes orchestrator events.
type EventKind int

const (
	// EventStepStarted is emitted when a step begins.
	EventStepStarted EventKind = iota
	// EventStepSucceeded is emitted when a step completes.
	EventStepSucceeded
	// EventStepFailed is emitted with Err set when a step fails.
	EventStepFailed
	// EventRunUpdated is emitted with Run set whenever the local run changes.
	EventRunUpdated
	// EventNotice is emitted with Notice set for advisory messages.
	EventNotice
)

// Event is delivered to the callback registered with [WithOnEvent].
type Event struct {
	Kind   EventKind
	Step   Step
	Run    run.Run
	Err    *StepError
	Notice string
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithClock sets the clock driving polling and the slow notice.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOnEvent registers the event callback. It is called without internal
// locks held, possibly from the polling goroutine, and must not call Close.
func WithOnEvent(fn func(Event)) Option {
	return func(o *Orchestrator) { o.onEvent = fn }
}

// Orchestrator sequences the processing steps for one submission at a time.
// All methods are safe for concurrent use.
type Orchestrator struct {
	backend pitchapi.Backend
	cfg     Config
	clock   clockwork.Clock
	metrics *observe.Metrics
	onEvent func(Event)

	mu         sync.Mutex
	caps       entitlement.Capabilities
	sub        *Submission
	run        run.Run
	lastErr    *StepError
	busy       bool
	closed     bool
	since      time.Time
	noticeSent bool
	pollCtx    context.Context
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	// pollHook, when set, runs after every completed poll. Tests use it to
	// synchronise with the fake clock.
	pollHook func()
}

// New creates an Orchestrator talking to backend.
func New(backend pitchapi.Backend, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		backend: backend,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		caps:    cfg.Capabilities,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// SetCapabilities replaces the capabilities used to authorize rubric
// selections, e.g. after the plan was refreshed.
func (o *Orchestrator) SetCapabilities(caps entitlement.Capabilities) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.caps = caps
}

// Run returns the current local view of the run.
func (o *Orchestrator) Run() run.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

// LastError returns the most recent step failure, or nil once a later step
// attempt succeeded.
func (o *Orchestrator) LastError() *StepError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Polling reports whether the status poll loop is running.
func (o *Orchestrator) Polling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pollCtx != nil && o.pollCtx.Err() == nil
}

// Submit starts processing sub: upload, transcribe and analyze in sequence.
// It returns after the analyze request was accepted (analysis itself may
// still be running and is observed through polling) or at the first failed
// step. A previous submission is abandoned: its polling stops, but remote
// work is not canceled.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (run.Run, error) {
	if len(sub.Audio) == 0 {
		return run.Run{}, capture.ErrNoAudio
	}
	if err := sub.Rubric.Validate(); err != nil {
		return run.Run{}, fmt.Errorf("orchestrator: submit: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return run.Run{}, ErrClosed
	}
	if o.busy {
		o.mu.Unlock()
		return run.Run{}, ErrBusy
	}
	cancel, done := o.pollCancel, o.pollDone
	o.sub = &sub
	o.run = run.Run{}
	o.lastErr = nil
	o.noticeSent = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	err := o.runFrom(ctx, StepUpload)
	return o.Run(), err
}

// Retry re-runs the last failed step and, if it succeeds, the steps after it.
func (o *Orchestrator) Retry(ctx context.Context) (run.Run, error) {
	o.mu.Lock()
	last := o.lastErr
	o.mu.Unlock()
	if last == nil {
		return o.Run(), ErrNothingToRetry
	}
	err := o.runFrom(ctx, last.Step)
	return o.Run(), err
}

func (o *Orchestrator) runFrom(ctx context.Context, step Step) error {
	for ; step != ""; step = step.next() {
		var err error
		switch step {
		case StepUpload:
			err = o.Upload(ctx)
		case StepTranscribe:
			err = o.Transcribe(ctx)
		case StepAnalyze:
			err = o.Analyze(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Upload creates the run for the current submission.
func (o *Orchestrator) Upload(ctx context.Context) error {
	var (
		sub  Submission
		caps entitlement.Capabilities
	)
	err := o.step(ctx, StepUpload, func() error {
		if o.sub == nil {
			return ErrNoSubmission
		}
		if o.run.ID != "" {
			return ErrAlreadyUploaded
		}
		sub, caps = *o.sub, o.caps
		return nil
	}, func(ctx context.Context) error {
		if err := sub.Rubric.Authorize(caps); err != nil {
			return err
		}
		id, err := o.backend.CreateRun(ctx, pitchapi.UploadRequest{
			Audio:        sub.Audio,
			MimeType:     sub.MimeType,
			FileName:     sub.FileName,
			Rubric:       sub.Rubric,
			PitchContext: sub.PitchContext,
			DurationMs:   sub.Duration.Milliseconds(),
		})
		if err != nil {
			return err
		}
		now := o.clock.Now()
		o.mu.Lock()
		o.run = run.Run{
			ID:         id,
			Status:     run.StatusUploaded,
			DurationMs: sub.Duration.Milliseconds(),
			CreatedAt:  now,
		}
		o.since = now
		snapshot := o.run
		o.mu.Unlock()

		slog.Info("orchestrator: run uploaded", "run_id", id, "rubric", sub.Rubric.String(), "duration", sub.Duration)
		o.emit(Event{Kind: EventRunUpdated, Run: snapshot})
		return nil
	})
	if err == nil {
		o.ensurePolling()
	}
	return err
}

// Transcribe requests transcription of the uploaded run. Calling it again
// after a failure retries the step; a run in error state is reset locally so
// the fresh result can be adopted.
func (o *Orchestrator) Transcribe(ctx context.Context) error {
	var id string
	err := o.step(ctx, StepTranscribe, func() error {
		if o.run.ID == "" {
			return ErrNoRun
		}
		id = o.run.ID
		if o.run.Status == run.StatusError {
			o.run.Status = run.StatusUploaded
			o.run.Error = ""
			o.since = o.clock.Now()
		}
		return nil
	}, func(ctx context.Context) error {
		res, err := o.backend.Transcribe(ctx, id)
		if err != nil {
			return err
		}
		snapshot := run.Run{
			ID:         id,
			Status:     res.Status,
			Transcript: res.Transcript,
			WordCount:  res.WordCount,
		}
		if snapshot.Status == "" && res.Transcript != "" {
			snapshot.Status = run.StatusTranscribed
		}
		merged := o.apply(ctx, snapshot)
		switch {
		case res.Status == run.StatusError:
			return &StepError{Step: StepTranscribe, Message: "transcription failed", Detail: merged.Error}
		case !merged.HasTranscript():
			return &StepError{Step: StepTranscribe, Message: "the transcript is empty"}
		}
		return nil
	})
	if err == nil {
		o.ensurePolling()
	}
	return err
}

// Analyze requests rubric analysis of the transcribed run. Like Transcribe
// it is the manual retry path after a failure.
func (o *Orchestrator) Analyze(ctx context.Context) error {
	var (
		req  pitchapi.AnalyzeRequest
		caps entitlement.Capabilities
	)
	err := o.step(ctx, StepAnalyze, func() error {
		switch {
		case o.run.ID == "":
			return ErrNoRun
		case !o.run.HasTranscript():
			return ErrNoTranscript
		case o.sub == nil:
			return ErrNoSubmission
		}
		req = pitchapi.AnalyzeRequest{
			RunID:        o.run.ID,
			Rubric:       o.sub.Rubric,
			PitchContext: o.sub.PitchContext,
		}
		caps = o.caps
		if o.run.Status == run.StatusError {
			o.run.Status = run.StatusTranscribed
			o.run.Error = ""
			o.since = o.clock.Now()
		}
		return nil
	}, func(ctx context.Context) error {
		if err := req.Rubric.Authorize(caps); err != nil {
			return err
		}
		res, err := o.backend.Analyze(ctx, req)
		if err != nil {
			return err
		}
		snapshot := run.Run{ID: req.RunID, Status: res.Status, Analysis: res.Analysis}
		if snapshot.Status == "" {
			snapshot.Status = run.StatusAnalyzing
			if snapshot.HasAnalysis() {
				snapshot.Status = run.StatusAnalyzed
			}
		}
		merged := o.apply(ctx, snapshot)
		if res.Status == run.StatusError {
			return &StepError{Step: StepAnalyze, Message: "analysis failed", Detail: merged.Error}
		}
		return nil
	})
	if err == nil {
		o.ensurePolling()
	}
	return err
}

// step runs one processing step. check validates preconditions with o.mu
// held; its errors are returned as-is. Errors from do become StepErrors.
func (o *Orchestrator) step(ctx context.Context, step Step, check func() error, do func(context.Context) error) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.busy:
		o.mu.Unlock()
		return ErrBusy
	}
	if err := check(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.busy = true
	o.mu.Unlock()

	o.emit(Event{Kind: EventStepStarted, Step: step})
	ctx, span := observe.StartSpan(ctx, "orchestrator."+string(step))
	start := o.clock.Now()
	err := do(ctx)
	o.metrics.RecordStep(ctx, string(step), o.clock.Since(start), err)
	span.End()

	var se *StepError
	if err != nil {
		se = newStepError(step, err)
	}
	o.mu.Lock()
	o.busy = false
	o.lastErr = se
	o.mu.Unlock()

	if se != nil {
		observe.Logger(ctx).Warn("orchestrator: step failed",
			"step", step, "message", se.Message, "detail", se.Detail, "err", se.Err)
		o.emit(Event{Kind: EventStepFailed, Step: step, Err: se})
		return se
	}
	o.emit(Event{Kind: EventStepSucceeded, Step: step})
	return nil
}

// apply merges snapshot into the local run and returns the result.
func (o *Orchestrator) apply(ctx context.Context, snapshot run.Run) run.Run {
	o.mu.Lock()
	merged, outcome := run.Reconcile(o.run, snapshot)
	o.run = merged
	if merged.Status.IsTerminal() && o.pollCancel != nil {
		// The loop observes cancellation and clears its own bookkeeping.
		o.pollCancel()
	}
	o.mu.Unlock()

	o.metrics.RecordReconcile(ctx, outcome.String())
	if outcome == run.Ignored {
		slog.Debug("orchestrator: stale snapshot dropped",
			"run_id", snapshot.ID, "status", snapshot.Status, "local_status", merged.Status)
		return merged
	}
	o.emit(Event{Kind: EventRunUpdated, Run: merged})
	return merged
}

// ensurePolling starts the poll loop unless it is running or the run is
// terminal.
func (o *Orchestrator) ensurePolling() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.run.ID == "" || o.run.Status.IsTerminal() {
		return
	}
	// A loop whose context was canceled is on its way out; replace it.
	if o.pollCtx != nil && o.pollCtx.Err() == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.pollCtx, o.pollCancel, o.pollDone = ctx, cancel, done
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	go o.pollLoop(ctx, ticker, done)
}

func (o *Orchestrator) pollLoop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer func() {
		o.mu.Lock()
		if o.pollDone == done {
			o.pollCancel()
			o.pollCtx, o.pollCancel, o.pollDone = nil, nil, nil
		}
		o.mu.Unlock()
	}()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if o.pollOnce(ctx) {
			return
		}
	}
}

// pollOnce fetches one snapshot. It reports whether polling should stop.
func (o *Orchestrator) pollOnce(ctx context.Context) (stop bool) {
	defer func() {
		if o.pollHook != nil {
			o.pollHook()
		}
	}()

	o.mu.Lock()
	id := o.run.ID
	o.mu.Unlock()

	fetched, err := o.backend.GetRun(ctx, id)
	if ctx.Err() != nil {
		return true
	}
	o.metrics.RecordPoll(ctx, err)
	cur := o.Run()
	if err != nil {
		// Transient poll failures are not step errors; the next tick retries.
		slog.Warn("orchestrator: poll failed", "run_id", id, "err", err)
	} else {
		cur = o.apply(ctx, fetched)
	}
	if cur.Status.IsTerminal() {
		slog.Info("orchestrator: run finished", "run_id", id, "status", cur.Status)
		return true
	}

	o.mu.Lock()
	notify := !o.noticeSent && o.clock.Since(o.since) >= o.cfg.SlowAfter
	if notify {
		o.noticeSent = true
	}
	o.mu.Unlock()
	if notify {
		o.metrics.SlowNotices.Add(ctx, 1)
		slog.Info("orchestrator: processing is slow", "run_id", id, "after", o.cfg.SlowAfter)
		o.emit(Event{Kind: EventNotice, Notice: SlowNotice})
	}
	return false
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

// Close stops polling and waits for the poll loop to exit. It never cancels
// work on the backend. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	cancel, done := o.pollCancel, o.pollDone
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
