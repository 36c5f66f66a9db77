package tui

import (
	"github.com/MrWong99/pitchpractice/internal/capture"
	"github.com/MrWong99/pitchpractice/internal/session"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// SessionEventMsg wraps an event forwarded from the session.
type SessionEventMsg struct {
	Event session.Event
}

// eventsClosedMsg is sent once the event feed has been closed.
type eventsClosedMsg struct{}

// action names a user command that runs off the update loop.
type action string

const (
	actionStart action = "start"
	actionStop  action = "stop"
	actionRetry action = "retry"
)

// ActionDoneMsg reports the outcome of a command started by a key press.
type ActionDoneMsg struct {
	Action    action
	Recording capture.Recording
	Run       run.Run
	Err       error
}

// clearNoticeMsg clears a transient status line. Seq guards against clearing
// a newer message.
type clearNoticeMsg struct {
	Seq int
}
