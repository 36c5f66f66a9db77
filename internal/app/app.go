// Package app wires the PitchPractice subsystems into running programs.
//
// [App] owns the reference backend's lifecycle: New opens the run store and
// builds the HTTP server on top of the provider chains, Run serves until the
// context is cancelled, and Shutdown tears everything down in order.
// [OpenClient] does the same for the recording side: it opens the local
// key/value store, the microphone driver and the backend client and returns
// a ready session.
//
// For testing, inject doubles via functional options (WithStore, WithInput,
// etc.). When an option is not provided, real implementations are created
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/backend"
	"github.com/MrWong99/pitchpractice/internal/backend/store"
	"github.com/MrWong99/pitchpractice/internal/backend/store/postgres"
	"github.com/MrWong99/pitchpractice/internal/backend/store/sqlite"
	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/observe"
)

// defaultSQLitePath is used when the sqlite driver has no DSN.
const defaultSQLitePath = "pitchpractice.db"

// App owns the backend's subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    store.Store
	metrics  *observe.Metrics
	clock    clockwork.Clock
	level    *slog.LevelVar
	listener net.Listener

	backend *backend.Server
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a run store instead of opening the configured driver.
// The caller keeps ownership: Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock sets the backend clock.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLevelVar lets hot reload adjust the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the store, analyzer and HTTP server together.
// providers comes from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: stt and llm providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Run store ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Backend ───────────────────────────────────────────────────────
	srv, err := backend.New(backend.Config{
		Store:                  a.store,
		STT:                    providers.STT,
		Analyzer:               analysis.New(providers.LLM),
		Accounts:               accountsFrom(cfg.Entitlements),
		Language:               cfg.Providers.Language,
		MaxUploadBytes:         int64(cfg.Server.MaxUploadMB) << 20,
		TranscribeTimeout:      cfg.Server.TranscribeTimeout,
		AnalysisTimeout:        cfg.Server.AnalysisTimeout,
		Metrics:                a.metrics,
		DisableMetricsEndpoint: !cfg.Telemetry.MetricsEnabled(),
		Clock:                  a.clock,
		HealthChecks:           providers.Checks,
	})
	if err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init backend: %w", err)
	}
	a.backend = srv
	// Analyses must record their outcome before the store goes away.
	a.closers = append([]func(context.Context) error{srv.Shutdown}, a.closers...)

	// ── 3. HTTP server ───────────────────────────────────────────────────
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initStore opens the configured run store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.StorageMemory, "":
		a.store = store.NewMemory()
	case config.StorageSQLite:
		path := sc.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, sc.DSN)
		if err != nil {
			return err
		}
		a.store = s
	default:
		return fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	st := a.store
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	slog.Info("run store opened", "driver", sc.Driver)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the API and blocks until ctx is cancelled or the listener
// fails. In-flight requests are drained within server.shutdown_timeout.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: drain http: %w", err)
		}
		return nil
	})

	slog.Info("backend listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the account table. Everything else is logged as needing a
// restart.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EntitlementsChanged {
		a.backend.SetAccounts(accountsFrom(next.Entitlements))
		slog.Info("entitlements reloaded", "accounts", len(next.Entitlements.Accounts))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// Handler exposes the backend's HTTP handler.
func (a *App) Handler() http.Handler { return a.backend.Handler() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for running analyses to record their outcome and closes the
// store. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) {
	for _, c := range a.closers {
		_ = c(ctx)
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func accountsFrom(ec config.EntitlementsConfig) backend.Accounts {
	def, tokens := ec.Entitlements()
	return backend.Accounts{Default: def, Tokens: tokens, RequireToken: ec.RequireToken}
}
