package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/kvstore"
	"github.com/MrWong99/pitchpractice/internal/kvstore/badgerkv"
	"github.com/MrWong99/pitchpractice/internal/level"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/orchestrator"
	"github.com/MrWong99/pitchpractice/internal/resilience"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/internal/session"
	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/audio/portaudio"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// ErrUnsupportedAudio is returned by [Client.UploadFile] for files whose
// extension has no known audio content type.
var ErrUnsupportedAudio = errors.New("app: unsupported audio file")

// Client is the recording side of PitchPractice: one session plus the
// resources it owns.
type Client struct {
	Session *session.Session
	Backend pitchapi.Backend
	KV      kvstore.Store

	cfg     config.ClientConfig
	closers []func() error
}

type clientDeps struct {
	input       audio.Input
	kv          kvstore.Store
	backend     pitchapi.Backend
	metrics     *observe.Metrics
	sessionOpts []session.Option
}

// ClientOption is a functional option for [OpenClient].
type ClientOption func(*clientDeps)

// WithInput injects a microphone driver instead of PortAudio. The caller
// keeps ownership.
func WithInput(in audio.Input) ClientOption {
	return func(d *clientDeps) { d.input = in }
}

// WithKVStore injects the local key/value store instead of opening Badger
// in the data directory. The caller keeps ownership.
func WithKVStore(kv kvstore.Store) ClientOption {
	return func(d *clientDeps) { d.kv = kv }
}

// WithBackend injects the backend client.
func WithBackend(b pitchapi.Backend) ClientOption {
	return func(d *clientDeps) { d.backend = b }
}

// WithClientMetrics sets the metrics sink shared by the session and the
// backend breaker.
func WithClientMetrics(m *observe.Metrics) ClientOption {
	return func(d *clientDeps) { d.metrics = m }
}

// WithSessionOptions forwards options to [session.New].
func WithSessionOptions(opts ...session.Option) ClientOption {
	return func(d *clientDeps) { d.sessionOpts = append(d.sessionOpts, opts...) }
}

// OpenClient opens the local store, the microphone driver and the backend
// client described by cfg and creates a session on top of them. Call
// [Client.Init] before use and [Client.Close] when done.
func OpenClient(cfg config.ClientConfig, opts ...ClientOption) (*Client, error) {
	d := &clientDeps{}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	c := &Client{cfg: cfg}

	// ── 1. Local store ───────────────────────────────────────────────────
	if d.kv == nil {
		dir, err := DataDir(cfg)
		if err != nil {
			return nil, err
		}
		kv, err := badgerkv.Open(filepath.Join(dir, "state"))
		if err != nil {
			return nil, fmt.Errorf("app: open local store: %w", err)
		}
		d.kv = kv
		c.closers = append(c.closers, kv.Close)
	}
	c.KV = d.kv

	// ── 2. Microphone ────────────────────────────────────────────────────
	if d.input == nil {
		in := portaudio.New()
		d.input = in
		c.closers = append(c.closers, in.Close)
	}

	// ── 3. Backend ───────────────────────────────────────────────────────
	if d.backend == nil {
		metrics := d.metrics
		breaker := pitchapi.NewBreaker(resilience.CircuitBreakerConfig{
			Name: "backend",
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("backend circuit breaker transition", "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
		var popts []pitchapi.Option
		popts = append(popts, pitchapi.WithCircuitBreaker(breaker))
		if cfg.Token != "" {
			popts = append(popts, pitchapi.WithToken(cfg.Token))
		}
		bc, err := pitchapi.NewClient(cfg.BackendURL, popts...)
		if err != nil {
			c.closeAll()
			return nil, fmt.Errorf("app: backend client: %w", err)
		}
		d.backend = bc
	}
	c.Backend = d.backend

	// ── 4. Session ───────────────────────────────────────────────────────
	sopts := append([]session.Option{session.WithMetrics(d.metrics)}, d.sessionOpts...)
	c.Session = session.New(SessionConfig(cfg), d.input, d.kv, d.backend, sopts...)
	return c, nil
}

// Init initialises the session and applies the configured rubric. A
// configured custom rubric that the plan does not allow is reported but
// leaves the default rubric selected.
func (c *Client) Init(ctx context.Context) error {
	initErr := c.Session.Init(ctx)

	var sel rubric.Selection
	switch {
	case c.cfg.RubricFile != "":
		r, err := rubric.ParseFile(c.cfg.RubricFile)
		if err != nil {
			return errors.Join(initErr, fmt.Errorf("app: load rubric: %w", err))
		}
		sel = rubric.CustomRubric(r)
	case c.cfg.Rubric != "":
		sel = rubric.ByID(c.cfg.Rubric)
	default:
		return initErr
	}
	if err := c.Session.SetRubric(ctx, sel); err != nil {
		return errors.Join(initErr, fmt.Errorf("app: apply rubric %s: %w", sel, err))
	}
	return initErr
}

// UploadFile submits an existing recording instead of capturing one. The
// session's rubric and pitch context are used.
func (c *Client) UploadFile(ctx context.Context, path string) (run.Run, error) {
	mime, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return run.Run{}, fmt.Errorf("%w: %q", ErrUnsupportedAudio, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return run.Run{}, fmt.Errorf("app: read recording: %w", err)
	}
	var d time.Duration
	if mime == "audio/wav" {
		if d, err = audio.WAVDuration(data); err != nil {
			return run.Run{}, fmt.Errorf("app: read recording: %w", err)
		}
	}
	return c.Session.Orchestrator().Submit(ctx, orchestrator.Submission{
		Audio:        data,
		MimeType:     mime,
		FileName:     filepath.Base(path),
		Duration:     d,
		Rubric:       c.Session.Rubric(),
		PitchContext: c.Session.PitchContext(),
	})
}

// Close closes the session, then the resources OpenClient opened.
func (c *Client) Close() error {
	err := c.Session.Close()
	return errors.Join(err, c.closeAll())
}

func (c *Client) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

var mimeTypes = map[string]string{
	".wav":  "audio/wav",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
}

// SessionConfig maps the client config section onto the session knobs.
func SessionConfig(cfg config.ClientConfig) session.Config {
	return session.Config{
		Level: level.Config{
			SilenceThreshold: cfg.SilenceThreshold,
			SilenceAfter:     cfg.SilenceAfter,
		},
		Orchestrator: orchestrator.Config{
			PollInterval: cfg.PollInterval,
			SlowAfter:    cfg.SlowAfter,
		},
		AbortOnSilence: cfg.AbortOnSilence,
	}
}

// DataDir returns the directory holding client-local state, creating it if
// needed.
func DataDir(cfg config.ClientConfig) (string, error) {
	dir := cfg.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("app: locate config dir: %w", err)
		}
		dir = filepath.Join(base, "pitchpractice")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("app: create data dir: %w", err)
	}
	return dir, nil
}
