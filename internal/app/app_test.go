package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pitchpractice/internal/app"
	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/observe"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/audio"
	audiomock "github.com/MrWong99/pitchpractice/pkg/audio/mock"
	"github.com/MrWong99/pitchpractice/pkg/pitchapi"
	"github.com/MrWong99/pitchpractice/pkg/provider/llm"
	llmmock "github.com/MrWong99/pitchpractice/pkg/provider/llm/mock"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
	sttmock "github.com/MrWong99/pitchpractice/pkg/provider/stt/mock"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// ---- helpers ----

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Result: &stt.Transcript{Text: "We sell time back to busy founders."}},
		LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: `{"overall_score": 8, "summary": "Clear.", "criteria": [{"name": "Clarity", "score": 8}]}`,
		}},
	}
}

func testWAV(t *testing.T, d time.Duration) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(audiomock.Tone(audio.RecordingFormat, d, 0.3).Data, audio.RecordingFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

// ---- providers ----

func TestBuildProviders_FallbackChain(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Result: &stt.Transcript{Text: "from fallback"}}
	reg := config.NewRegistry()
	reg.RegisterSTT("primary", func(config.ProviderEntry) (stt.Provider, error) { return primary, nil })
	reg.RegisterSTT("secondary", func(config.ProviderEntry) (stt.Provider, error) { return secondary, nil })
	reg.RegisterLLM("llm", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })

	ps, err := app.BuildProviders(config.ProvidersConfig{
		STT: []config.ProviderEntry{{Name: "primary"}, {Name: "not-registered"}, {Name: "secondary"}},
		LLM: []config.ProviderEntry{{Name: "llm"}},
	}, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}

	tr, err := ps.STT.Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "from fallback" {
		t.Errorf("Text = %q", tr.Text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}

	if len(ps.Checks) != 2 {
		t.Fatalf("Checks = %d, want stt and llm", len(ps.Checks))
	}
	for _, c := range ps.Checks {
		if !c.Optional {
			t.Errorf("check %s should be optional", c.Name)
		}
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", c.Name, err)
		}
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, errors.New("bad key") })

	_, err := app.BuildProviders(config.ProvidersConfig{
		STT: []config.ProviderEntry{{Name: "broken"}},
		LLM: []config.ProviderEntry{{Name: "nobody"}},
	}, reg, testMetrics(t))
	if err == nil {
		t.Fatal("want error")
	}
	for _, want := range []string{`create stt provider "broken"`, "no usable stt", "no usable llm"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q misses %q", err, want)
		}
	}
}

// ---- app ----

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(t, ""), &app.Providers{}); err == nil {
		t.Error("want error without providers")
	}
}

func TestApp_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testConfig(t, "entitlements:\n  accounts:\n    - {token: coach, plan: coach}\n")
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithListener(ln), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	c, err := pitchapi.NewClient(base, pitchapi.WithToken("coach"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	id, err := c.CreateRun(context.Background(), pitchapi.UploadRequest{
		Audio:    testWAV(t, 2*time.Second),
		MimeType: "audio/wav",
		Rubric:   rubric.ByID(rubric.IDInvestor),
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	res, err := c.Transcribe(context.Background(), id)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Status != run.StatusTranscribed || res.WordCount != 7 {
		t.Errorf("Transcribe = %+v", res)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig(t, "entitlements:\n  accounts:\n    - {token: tok, plan: free}\n")
	next := testConfig(t, "server:\n  log_level: debug\nentitlements:\n  accounts:\n    - {token: tok, plan: coach}\n")

	lv := new(slog.LevelVar)
	a, err := app.New(context.Background(), old, testProviders(),
		app.WithLevelVar(lv), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	c, _ := pitchapi.NewClient(srv.URL, pitchapi.WithToken("tok"))

	if e, _ := c.ResolvePlan(context.Background()); e.Plan != entitlement.PlanFree {
		t.Fatalf("plan before reload = %q", e.Plan)
	}

	a.ApplyConfig(old, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if e, _ := c.ResolvePlan(context.Background()); e.Plan != entitlement.PlanCoach {
		t.Errorf("plan after reload = %q, want coach", e.Plan)
	}
}

func TestApp_StorageDrivers(t *testing.T) {
	t.Parallel()

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "runs.db")
		cfg := testConfig(t, "storage:\n  driver: sqlite\n  dsn: "+path+"\n")
		a, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		srv := httptest.NewServer(a.Handler())
		defer srv.Close()
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("readyz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("readyz = %d", resp.StatusCode)
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	t.Run("postgres unreachable", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, "storage:\n  driver: postgres\n  dsn: postgres://nobody@127.0.0.1:1/none?connect_timeout=1\n")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := app.New(ctx, cfg, testProviders(), app.WithMetrics(testMetrics(t))); err == nil {
			t.Error("want error for unreachable postgres")
		}
	})
}

func TestApp_MetricsEndpointToggle(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "telemetry:\n  metrics: false\n")
	a, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404", resp.StatusCode)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
