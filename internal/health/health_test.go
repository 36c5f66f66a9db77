package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, method, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	r := mux.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body result
	if rec.Code != http.StatusMethodNotAllowed {
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec, body := serve(t, New([]Checker{{Name: "store", Check: failing("down")}}), http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("liveness = %d %q, want 200 ok even with failing checkers", rec.Code, body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "store", Check: ok}, {Name: "stt", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "stt": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "store", Check: failing("connection refused")}, {Name: "stt", Check: ok}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: connection refused", "stt": "ok"},
		},
		{
			name:       "optional failure degrades",
			checkers:   []Checker{{Name: "store", Check: ok}, {Name: "stt", Check: failing("all breakers open"), Optional: true}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"store": "ok", "stt": "degraded: all breakers open"},
		},
		{
			name:       "required failure wins over degraded",
			checkers:   []Checker{{Name: "store", Check: failing("down")}, {Name: "llm", Check: failing("open"), Optional: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: down", "llm": "degraded: open"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{{Name: "store", Check: failing("timeout")}, {Name: "stt", Check: failing("no providers")}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: timeout", "stt": "fail: no providers"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := serve(t, New(tt.checkers), http.MethodGet, "/readyz")
			if rec.Code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readiness = %d %q, want %d %q", rec.Code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestRegister_GetOnly(t *testing.T) {
	t.Parallel()
	rec, _ := serve(t, New(nil), http.MethodPost, "/healthz")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_TimeoutPerCheck(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "hung", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, WithTimeout(20*time.Millisecond))

	rec, body := serve(t, h, http.MethodGet, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || body.Checks["hung"] != "fail: context deadline exceeded" {
		t.Errorf("readiness = %d %v", rec.Code, body.Checks)
	}
}
