// Package device implements microphone discovery and selection.
//
// An [Enumerator] asks for microphone permission once, lists the available
// input devices and picks one: the previously persisted device when it is
// still present, otherwise the first device. The choice is persisted under
// [kvstore.KeySelectedDevice] so the next session starts on the same
// microphone.
//
// A permission denial is not fatal: the enumerator reports HasPermission()
// == false with an empty device list until the user retries.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/pitchpractice/internal/kvstore"
	"github.com/MrWong99/pitchpractice/pkg/audio"
)

var (
	// ErrPermissionDenied is returned when microphone access was refused.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrNoDevices is returned by Init when permission was granted but no
	// input device is available.
	ErrNoDevices = errors.New("device: no audio input devices")

	// ErrUnknownDevice is returned by Select for an id not currently listed.
	ErrUnknownDevice = errors.New("device: unknown device")
)

// Enumerator discovers input devices and tracks the selected one.
//
// All methods are safe for concurrent use.
type Enumerator struct {
	input audio.Input
	store kvstore.Store

	mu            sync.Mutex
	hasPermission bool
	devices       []audio.Device
	selected      string
}

// NewEnumerator returns an enumerator over input that persists its choice in
// store.
func NewEnumerator(input audio.Input, store kvstore.Store) *Enumerator {
	return &Enumerator{input: input, store: store}
}

// Init requests permission, lists devices and restores or picks the selected
// device. It may be called again to refresh the device list; a denied
// permission is re-requested each time.
func (e *Enumerator) Init(ctx context.Context) error {
	if err := e.input.RequestPermission(ctx); err != nil {
		e.mu.Lock()
		e.hasPermission = false
		e.devices = nil
		e.selected = ""
		e.mu.Unlock()
		slog.Warn("device: microphone permission denied", "err", err)
		if errors.Is(err, audio.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	devices, err := e.input.Devices(ctx)
	if err != nil {
		return fmt.Errorf("device: list devices: %w", err)
	}

	saved, err := kvstore.GetString(ctx, e.store, kvstore.KeySelectedDevice)
	if err != nil {
		slog.Warn("device: read saved device", "err", err)
	}

	selected := ""
	if saved != "" && contains(devices, saved) {
		selected = saved
	} else if len(devices) > 0 {
		selected = devices[0].ID
	}

	e.mu.Lock()
	e.hasPermission = true
	e.devices = devices
	e.selected = selected
	e.mu.Unlock()

	if len(devices) == 0 {
		return ErrNoDevices
	}
	if selected != saved {
		if saved != "" {
			slog.Info("device: saved device unavailable, falling back", "saved", saved, "selected", selected)
		}
		e.persist(ctx, selected)
	}
	return nil
}

// RetryPermission re-prompts for microphone access after a denial. It is the
// explicit user action behind a "test mic" or "allow microphone" button.
func (e *Enumerator) RetryPermission(ctx context.Context) error {
	return e.Init(ctx)
}

// Select makes id the selected device and persists it.
func (e *Enumerator) Select(ctx context.Context, id string) error {
	e.mu.Lock()
	if !contains(e.devices, id) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	e.selected = id
	e.mu.Unlock()
	e.persist(ctx, id)
	return nil
}

// HasPermission reports whether microphone access was granted.
func (e *Enumerator) HasPermission() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasPermission
}

// Devices returns a copy of the current device list.
func (e *Enumerator) Devices() []audio.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.Device, len(e.devices))
	copy(out, e.devices)
	return out
}

// Selected returns the selected device id, or "" when none is available.
func (e *Enumerator) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// SelectedDevice returns the selected device.
func (e *Enumerator) SelectedDevice() (audio.Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.devices {
		if d.ID == e.selected {
			return d, true
		}
	}
	return audio.Device{}, false
}

// persist stores id. Failures only cost the user a re-selection next time,
// so they are logged and swallowed.
func (e *Enumerator) persist(ctx context.Context, id string) {
	if err := e.store.Set(ctx, kvstore.KeySelectedDevice, []byte(id)); err != nil {
		slog.Warn("device: persist selection", "device", id, "err", err)
	}
}

func contains(devices []audio.Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
