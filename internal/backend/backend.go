// Package backend is the reference implementation of the PitchPractice HTTP
// contract described in package pitchapi.
//
// It stores uploaded recordings in a [store.Store], transcribes them with an
// [stt.Provider] (normally a [resilience.STTFallback] chain) and scores the
// transcript with an [Analyzer]. Analysis runs asynchronously: the analyze
// endpoint returns as soon as the run is marked analyzing and clients poll
// GET /api/runs/{id} for the outcome.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/health"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

const (
	defaultMaxUploadBytes    = 64 << 20
	defaultMinAudioBytes     = 5 * 1024
	defaultTranscribeTimeout = 5 * time.Minute
	defaultAnalysisTimeout   = 3 * time.Minute
)

// Analyzer scores a transcript. *analysis.Analyzer satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// Config holds the dependencies and limits of a [Server].
type Config struct {
	Store    store.Store
	STT      stt.Provider
	Analyzer Analyzer
	Accounts Accounts

	// Language is the transcription language hint. Empty lets the provider
	// decide.
	Language string

	// MaxUploadBytes caps the multipart upload size. Default: 64 MiB.
	MaxUploadBytes int64

	// MinAudioBytes rejects uploads smaller than this. Default: 5 KiB.
	MinAudioBytes int

	TranscribeTimeout time.Duration
	AnalysisTimeout   time.Duration

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// DisableMetricsEndpoint stops serving GET /metrics. Instruments are
	// still recorded.
	DisableMetricsEndpoint bool

	// Clock stamps run timestamps. Default: the real clock.
	Clock clockwork.Clock

	// HealthChecks are added to the store check on /readyz.
	HealthChecks []health.Checker
}

func (c *Config) setDefaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.MinAudioBytes <= 0 {
		c.MinAudioBytes = defaultMinAudioBytes
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = defaultTranscribeTimeout
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = defaultAnalysisTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Server serves the PitchPractice API. Create one with [New].
type Server struct {
	cfg      Config
	router   *mux.Router
	accounts atomic.Pointer[Accounts]

	// baseCtx outlives requests and is cancelled by Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("backend: store is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("backend: STT provider is required"))
	}
	if cfg.Analyzer == nil {
		errs = append(errs, errors.New("backend: analyzer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, baseCtx: ctx, cancel: cancel}
	s.accounts.Store(&cfg.Accounts)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(observe.Middleware(s.cfg.Metrics))

	checks := append([]health.Checker{{Name: "store", Check: s.cfg.Store.Ping}}, s.cfg.HealthChecks...)
	health.New(checks).Register(r)
	if !s.cfg.DisableMetricsEndpoint {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/transcribe", s.handleTranscribe).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/entitlement", s.handleEntitlement).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	return r
}

// SetAccounts replaces the token table. Requests already authenticated keep
// the entitlement they resolved.
func (s *Server) SetAccounts(a Accounts) {
	s.accounts.Store(&a)
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown cancels running analyses and waits for them to record their
// outcome, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("backend: shutdown timed out waiting for analyses")
		return ctx.Err()
	}
}
