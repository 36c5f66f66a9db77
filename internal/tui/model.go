// Package tui is the terminal front end of the recording flow: a bubbletea
// model that drives a [session.Session] from the keyboard and renders the
// capture state, the live microphone level and the processing pipeline.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/capture"
	"github.com/MrWong99/pitchpractice/internal/device"
	"github.com/MrWong99/pitchpractice/internal/level"
	"github.com/MrWong99/pitchpractice/internal/orchestrator"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/internal/session"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// flashTTL is how long a transient status line stays visible.
const flashTTL = 5 * time.Second

// Model is the root bubbletea model for the recording flow.
type Model struct {
	ctx  context.Context
	sess *session.Session
	feed *Feed

	// Latest session view, refreshed after every message.
	snap session.Snapshot

	// Live readings from session events.
	level   level.Sample
	elapsed time.Duration
	limit   time.Duration

	// Pipeline progress.
	step   orchestrator.Step // step in flight, empty when none
	busy   action            // command in flight, empty when none
	notice string

	// Errors not carried by the orchestrator's last step error.
	errText string

	// Transient status line.
	flash    string
	flashSeq int

	width    int
	quitting bool
}

// New creates a model over sess. feed must be the feed whose Push was
// registered with [session.WithOnEvent] for sess. Commands started from key
// presses run under ctx.
func New(ctx context.Context, sess *session.Session, feed *Feed) Model {
	m := Model{ctx: ctx, sess: sess, feed: feed}
	m.refresh()
	return m
}

// Init starts draining the session event feed.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.feed)
}

// waitForEvent blocks until the next session event.
func waitForEvent(f *Feed) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-f.ch
		if !ok {
			return eventsClosedMsg{}
		}
		return SessionEventMsg{Event: ev}
	}
}

// startCmd begins a recording on the selected microphone.
func startCmd(ctx context.Context, s *session.Session) tea.Cmd {
	return func() tea.Msg {
		return ActionDoneMsg{Action: actionStart, Err: s.StartRecording(ctx)}
	}
}

// stopCmd finalizes the recording and runs the pipeline up to analysis.
func stopCmd(ctx context.Context, s *session.Session) tea.Cmd {
	return func() tea.Msg {
		rec, r, err := s.Stop(ctx)
		return ActionDoneMsg{Action: actionStop, Recording: rec, Run: r, Err: err}
	}
}

// retryCmd re-runs the failed pipeline step.
func retryCmd(ctx context.Context, s *session.Session) tea.Cmd {
	return func() tea.Msg {
		r, err := s.Retry(ctx)
		return ActionDoneMsg{Action: actionRetry, Run: r, Err: err}
	}
}

// clearFlashCmd fires after flashTTL to clear the transient status line.
func clearFlashCmd(seq int) tea.Cmd {
	return tea.Tick(flashTTL, func(time.Time) tea.Msg {
		return clearNoticeMsg{Seq: seq}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m, cmd = m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case SessionEventMsg:
		cmd = tea.Batch(m.handleEvent(msg.Event), waitForEvent(m.feed))

	case eventsClosedMsg:
		// Nothing more will arrive; keep rendering from snapshots.

	case ActionDoneMsg:
		cmd = m.handleDone(msg)

	case clearNoticeMsg:
		if msg.Seq == m.flashSeq {
			m.flash = ""
		}
	}
	m.refresh()
	return m, cmd
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case KeyRecord:
		if m.busy != "" || m.capturing() {
			return m, nil
		}
		m.busy = actionStart
		m.errText = ""
		m.level = level.Sample{}
		m.elapsed = 0
		return m, startCmd(m.ctx, m.sess)

	case KeyPause:
		var err error
		switch m.snap.Capture {
		case capture.StateRecording:
			err = m.sess.Pause()
		case capture.StatePaused:
			err = m.sess.Resume()
		default:
			return m, nil
		}
		if err != nil {
			m.errText = describe(err)
		}
		return m, nil

	case KeyStop:
		if m.busy != "" || !m.capturing() {
			return m, nil
		}
		m.busy = actionStop
		m.errText = ""
		return m, stopCmd(m.ctx, m.sess)

	case KeyReRecord:
		if m.busy == actionStart || m.busy == actionStop {
			return m, nil
		}
		m.sess.ReRecord()
		m.errText = ""
		m.level = level.Sample{}
		m.elapsed = 0
		return m, m.setFlash("Recording discarded. Press r to record again.")

	case KeyRetry:
		if m.busy != "" || m.snap.LastError == nil {
			return m, nil
		}
		m.busy = actionRetry
		m.errText = ""
		return m, retryCmd(m.ctx, m.sess)
	}
	return m, nil
}

// handleEvent processes a session event and returns any resulting command.
func (m *Model) handleEvent(ev session.Event) tea.Cmd {
	switch ev.Kind {
	case session.EventLevel:
		m.level = ev.Level

	case session.EventTick:
		m.elapsed, m.limit = ev.Elapsed, ev.Limit

	case session.EventRecorded:
		if ev.Recording == nil {
			return nil
		}
		switch ev.Recording.Reason {
		case capture.ReasonCeiling:
			return m.setFlash("Time limit reached. Submitting your pitch.")
		case capture.ReasonStreamLost:
			return m.setFlash("Microphone disconnected. Submitting what was recorded.")
		}

	case session.EventCaptureFailed, session.EventSubmitFailed:
		m.errText = describe(ev.Err)

	case session.EventPipeline:
		m.handlePipeline(ev.Pipeline)
	}
	return nil
}

func (m *Model) handlePipeline(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventStepStarted:
		m.step = ev.Step
		if ev.Step == orchestrator.StepUpload {
			m.notice = ""
		}
	case orchestrator.EventStepSucceeded, orchestrator.EventStepFailed:
		m.step = ""
	case orchestrator.EventNotice:
		m.notice = ev.Notice
	}
}

// handleDone finishes a command started from a key press.
func (m *Model) handleDone(msg ActionDoneMsg) tea.Cmd {
	m.busy = ""
	if msg.Err == nil {
		return nil
	}
	// Step failures render from the session's last step error.
	var se *orchestrator.StepError
	if errors.As(msg.Err, &se) {
		return nil
	}
	m.errText = describe(msg.Err)
	return nil
}

func (m *Model) setFlash(text string) tea.Cmd {
	m.flashSeq++
	m.flash = text
	return clearFlashCmd(m.flashSeq)
}

func (m *Model) refresh() {
	if m.sess == nil {
		return
	}
	m.snap = m.sess.Snapshot()
	if m.capturing() {
		m.elapsed = m.snap.Elapsed
	}
	if m.limit == 0 {
		m.limit = m.snap.Capabilities.MaxDuration
	}
}

func (m Model) capturing() bool {
	return m.snap.Capture == capture.StateRecording || m.snap.Capture == capture.StatePaused
}

// describe turns an error into a line for the user.
func describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrSilent):
		return "No sound detected. Check that your microphone is unmuted."
	case errors.Is(err, capture.ErrNoAudio):
		return "Nothing was recorded."
	case errors.Is(err, device.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, device.ErrNoDevices):
		return "No microphone found."
	case errors.Is(err, rubric.ErrCustomNotAllowed):
		return "Custom rubrics require the coach plan."
	case errors.Is(err, orchestrator.ErrBusy):
		return "A submission is already in progress."
	case errors.Is(err, orchestrator.ErrNothingToRetry):
		return "Nothing to retry."
	}
	var se *orchestrator.StepError
	if errors.As(err, &se) {
		return stepErrorText(se)
	}
	return err.Error()
}

func stepErrorText(se *orchestrator.StepError) string {
	msg := fmt.Sprintf("%s failed: %s", se.Step, se.Message)
	if se.Detail != "" {
		msg += " (" + se.Detail + ")"
	}
	return msg
}

// ─── View ────────────────────────────────────────────────────────────────────

// View renders the full TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	width := m.width
	if width <= 0 {
		width = 72
	}
	divider := dividerStyle.Render(strings.Repeat("─", width))

	sections := []string{
		m.renderHeader(),
		m.renderCapture(),
	}
	if w := m.renderSilenceWarning(); w != "" {
		sections = append(sections, w)
	}
	sections = append(sections, divider, m.renderPipeline())
	if r := m.renderResult(); r != "" {
		sections = append(sections, r)
	}
	if m.notice != "" {
		sections = append(sections, noticeStyle.Render(m.notice))
	}
	if m.flash != "" {
		sections = append(sections, noticeStyle.Render(m.flash))
	}
	if e := m.renderErrors(); e != "" {
		sections = append(sections, e)
	}
	sections = append(sections, divider, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("PITCHPRACTICE")
	var info []string
	if name := m.deviceName(); name != "" {
		info = append(info, name)
	}
	info = append(info, "plan "+string(m.snap.Capabilities.Plan), "rubric "+m.snap.Rubric.String())
	return title + dimStyle.Render("  "+strings.Join(info, " · "))
}

func (m Model) deviceName() string {
	for _, d := range m.snap.Devices {
		if d.ID == m.snap.DeviceID {
			return d.Name
		}
	}
	return m.snap.DeviceID
}

func (m Model) renderCapture() string {
	var state string
	switch m.snap.Capture {
	case capture.StateRecording:
		state = recordingStyle.Render("● REC   ")
	case capture.StatePaused:
		state = pausedStyle.Render("❚❚ PAUSED")
	case capture.StateStopped:
		state = idleStyle.Render("■ STOPPED")
	default:
		state = idleStyle.Render("○ IDLE  ")
	}
	if m.busy == actionStart {
		state = activeStyle.Render("… OPENING")
	}
	clock := fmt.Sprintf("%s / %s", formatClock(m.elapsed), formatClock(m.limit))
	return state + "  " + clock + "  " + renderLevelMeter(m.level.Level)
}

func (m Model) renderSilenceWarning() string {
	if !m.level.Silent || !(m.capturing() || m.snap.Testing) {
		return ""
	}
	return warningStyle.Render("⚠ We can't hear you. Check that your microphone is unmuted and close enough.")
}

// renderLevelMeter draws v in [0, 1] as a fixed-width bar.
func renderLevelMeter(v float64) string {
	const barLen = 20
	filled := int(v*barLen + 0.5)
	filled = max(0, min(filled, barLen))

	var b strings.Builder
	b.WriteString(dimStyle.Render("LEVEL "))
	for i := range barLen {
		if i >= filled {
			b.WriteString(levelEmptyStyle.Render("░"))
			continue
		}
		pct := float64(i) / barLen
		switch {
		case pct >= 0.85:
			b.WriteString(levelRedStyle.Render("█"))
		case pct >= 0.6:
			b.WriteString(levelYellowStyle.Render("█"))
		default:
			b.WriteString(levelGreenStyle.Render("█"))
		}
	}
	return b.String()
}

func (m Model) renderPipeline() string {
	r := m.snap.Run
	if r.ID == "" && m.step == "" && m.snap.LastError == nil {
		return dimStyle.Render("No run yet. Press r to record your pitch.")
	}
	steps := []struct {
		step orchestrator.Step
		done bool
	}{
		{orchestrator.StepUpload, r.ID != ""},
		{orchestrator.StepTranscribe, r.Status.HasTranscript()},
		{orchestrator.StepAnalyze, r.Status == run.StatusAnalyzed},
	}
	var parts []string
	for _, s := range steps {
		parts = append(parts, m.renderStep(s.step, s.done))
	}
	line := strings.Join(parts, dimStyle.Render(" → "))
	if r.ID != "" {
		line = dimStyle.Render("run "+r.ID+"  ") + line + dimStyle.Render("  "+string(r.Status))
	}
	return line
}

func (m Model) renderStep(step orchestrator.Step, done bool) string {
	name := string(step)
	switch {
	case m.snap.LastError != nil && m.snap.LastError.Step == step:
		return errorStyle.Render("✗ " + name)
	case m.step == step:
		return activeStyle.Render("⟳ " + name)
	case step == orchestrator.StepAnalyze && m.snap.Run.Status == run.StatusAnalyzing:
		return activeStyle.Render("⟳ " + name)
	case done:
		return doneStyle.Render("✓ " + name)
	default:
		return dimStyle.Render("· " + name)
	}
}

func (m Model) renderResult() string {
	r := m.snap.Run
	var lines []string
	if r.Status == run.StatusError && r.Error != "" {
		lines = append(lines, errorTextStyle.Render("Processing failed: "+r.Error))
	}
	if r.HasTranscript() {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("%d words in %s", r.WordCount, formatClock(r.Duration()))))
	}
	if r.HasAnalysis() {
		var res analysis.Result
		if err := json.Unmarshal(r.Analysis, &res); err != nil {
			lines = append(lines, errorTextStyle.Render("Could not read the analysis."))
		} else {
			lines = append(lines, renderAnalysis(res)...)
		}
	}
	return strings.Join(lines, "\n")
}

func renderAnalysis(res analysis.Result) []string {
	lines := []string{
		scoreStyle.Render(fmt.Sprintf("Score %.1f / %.0f", res.OverallScore, analysis.MaxScore)),
	}
	if res.Summary != "" {
		lines = append(lines, res.Summary)
	}
	for _, c := range res.Criteria {
		lines = append(lines, fmt.Sprintf("  %-24s %4.1f  %s", c.Name, c.Score, dimStyle.Render(c.Feedback)))
	}
	for _, s := range res.Strengths {
		lines = append(lines, doneStyle.Render("  + ")+s)
	}
	for _, s := range res.Improvements {
		lines = append(lines, warningStyle.Render("  - ")+s)
	}
	return lines
}

func (m Model) renderErrors() string {
	var lines []string
	if se := m.snap.LastError; se != nil {
		lines = append(lines, errorStyle.Render("✗ ")+errorTextStyle.Render(stepErrorText(se))+
			dimStyle.Render("  press t to retry"))
	}
	if m.errText != "" {
		lines = append(lines, errorStyle.Render("✗ ")+errorTextStyle.Render(m.errText))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	keys := []struct{ key, desc string }{
		{KeyRecord, "record"},
		{KeyPause, "pause/resume"},
		{KeyStop, "stop & submit"},
		{KeyReRecord, "re-record"},
		{KeyRetry, "retry"},
		{KeyQuit, "quit"},
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}

func formatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
