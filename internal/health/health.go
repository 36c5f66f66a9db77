// Package health serves the backend's liveness and readiness probes.
//
//   - /healthz: the process can serve HTTP; always 200.
//   - /readyz: 200 when every required [Checker] passes, 503 otherwise.
//
// Optional checkers (provider chains, for example) report "degraded"
// without failing readiness: a run can still be uploaded and fetched while
// one transcription backend is down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Second

// Status values reported by [Handler.Readyz].
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named probe of one dependency.
type Checker struct {
	// Name keys the check in the JSON response, e.g. "store" or "stt".
	Name string

	// Check returns nil when the dependency is usable. It must respect ctx.
	Check func(ctx context.Context) error

	// Optional failures degrade the response instead of failing it.
	Optional bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout bounds each check. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves the probes. The checker list is fixed after [New].
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: defaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz runs all checks concurrently, each under its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	code := http.StatusOK
	if res.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *Handler) evaluate(ctx context.Context) result {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)

	// Check errors are collected, not returned, so one failure does not
	// cancel the rest.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = StatusOK
			case c.Optional:
				checks[c.Name] = StatusDegraded + ": " + err.Error()
				degraded = true
			default:
				checks[c.Name] = StatusFail + ": " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: StatusOK, Checks: checks}
	switch {
	case failed:
		res.Status = StatusFail
	case degraded:
		res.Status = StatusDegraded
	}
	return res
}

// Register adds GET /healthz and GET /readyz to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
