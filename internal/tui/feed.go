package tui

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/pitchpractice/internal/session"
)

// Feed buffers session events for the model. Pass [Feed.Push] to
// [session.WithOnEvent]; the model drains the feed from its update loop.
type Feed struct {
	ch chan session.Event

	mu     sync.Mutex
	closed bool
}

// NewFeed creates a feed holding up to size undelivered events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 256
	}
	return &Feed{ch: make(chan session.Event, size)}
}

// Push enqueues ev without blocking. When the buffer is full, level and tick
// events are dropped silently since a newer reading follows shortly; other
// events are dropped with a warning.
func (f *Feed) Push(ev session.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	default:
		if ev.Kind != session.EventLevel && ev.Kind != session.EventTick {
			slog.Warn("tui: event feed full, dropping event", "kind", ev.Kind)
		}
	}
}

// Close ends the feed. Buffered events are still delivered. Close is
// idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
