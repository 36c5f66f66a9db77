package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/backend"
	"github.com/MrWong99/pitchpractice/internal/backend/store"
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

const (
	coachToken = "coach-token"
	freeToken  = "free-token"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// ---- fixture ----------------------------------------------------------------

type fixture struct {
	srv    *backend.Server
	http   *httptest.Server
	store  *store.Memory
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	clock  *clockwork.FakeClock
	server string
}

type fixtureOption func(*backend.Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		store: store.NewMemory(),
		stt:   &sttmock.Provider{Result: &stt.Transcript{Text: "We help teams ship faster. We are raising a seed round."}},
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: `{"overall_score": 7, "summary": "Good.", "criteria": [{"name": "Clarity", "score": 7}]}`,
		}},
		clock: clockwork.NewFakeClockAt(epoch),
	}
	cfg := backend.Config{
		Store:    f.store,
		STT:      f.stt,
		Analyzer: analysis.New(f.llm),
		Accounts: backend.Accounts{
			Tokens: map[string]entitlement.Entitlement{
				coachToken: {Plan: entitlement.PlanCoach},
				freeToken:  {Plan: entitlement.PlanFree},
			},
		},
		Metrics: metrics,
		Clock:   f.clock,
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.srv, err = backend.New(cfg)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	f.http = httptest.NewServer(f.srv.Handler())
	f.server = f.http.URL
	t.Cleanup(func() {
		f.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.srv.Shutdown(ctx)
	})
	return f
}

func (f *fixture) client(t *testing.T, token string) *pitchapi.Client {
	t.Helper()
	c, err := pitchapi.NewClient(f.server, pitchapi.WithToken(token))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func wav(t *testing.T, d time.Duration) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(audiomock.Tone(audio.RecordingFormat, d, 0.3).Data, audio.RecordingFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

func upload(t *testing.T, c *pitchapi.Client, sel rubric.Selection) string {
	t.Helper()
	id, err := c.CreateRun(context.Background(), pitchapi.UploadRequest{
		Audio:        wav(t, 3*time.Second),
		MimeType:     "audio/wav",
		Rubric:       sel,
		PitchContext: "Seed round",
		DurationMs:   99999,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return id
}

func waitStatus(t *testing.T, c *pitchapi.Client, id string, want run.Status) run.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := c.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck in %q, want %q", id, r.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func wantStatus(t *testing.T, err error, code int) {
	t.Helper()
	if !pitchapi.IsStatus(err, code) {
		t.Fatalf("err = %v, want HTTP %d", err, code)
	}
}

// ---- tests ------------------------------------------------------------------

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.client(t, coachToken)
	ctx := context.Background()

	id := upload(t, c, rubric.ByID(rubric.IDGeneral))

	r, err := c.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != run.StatusUploaded || r.DurationMs != 3000 || !r.CreatedAt.Equal(epoch) {
		t.Errorf("uploaded run = %+v, want decoded 3000ms created at %v", r, epoch)
	}

	tr, err := c.Transcribe(ctx, id)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Status != run.StatusTranscribed || tr.WordCount != 11 {
		t.Errorf("transcribe = %+v", tr)
	}
	if calls := f.stt.Calls(); len(calls) != 1 || calls[0].Req.MimeType != "audio/wav" {
		t.Errorf("stt calls = %+v", calls)
	}

	res, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.IDGeneral)})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Status != run.StatusAnalyzing {
		t.Errorf("analyze status = %q, want analyzing", res.Status)
	}

	done := waitStatus(t, c, id, run.StatusAnalyzed)
	var got analysis.Result
	if err := json.Unmarshal(done.Analysis, &got); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if got.OverallScore != 7 || got.Rubric != "General pitch" {
		t.Errorf("analysis = %+v", got)
	}
	if got.Insights == nil {
		t.Error("coach plan analysis has no premium insights")
	}
	if done.Transcript == "" || done.WordCount != 11 {
		t.Errorf("analyzed run lost transcript: %+v", done)
	}
	if !strings.Contains(f.llm.CompleteCalls[0].Req.SystemPrompt, "Seed round") {
		t.Error("pitch context not forwarded to the analyzer")
	}
}

// histogramSum returns the recorded sum of the named float64 histogram.
func histogramSum(t *testing.T, reader *sdkmetric.ManualReader, name string) float64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			if !ok || len(h.DataPoints) == 0 {
				t.Fatalf("%s: unexpected data %T", name, m.Data)
			}
			return h.DataPoints[0].Sum
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestProviderLatencyFollowsServerClock(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := newFixture(t, func(c *backend.Config) { c.Metrics = metrics })

	f.stt.TranscribeFunc = func(context.Context, stt.Request) (*stt.Transcript, error) {
		f.clock.Advance(1500 * time.Millisecond)
		return &stt.Transcript{Text: "We help teams ship faster."}, nil
	}
	f.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		f.clock.Advance(4 * time.Second)
		return &llm.CompletionResponse{
			Content: `{"overall_score": 6, "summary": "Fine.", "criteria": [{"name": "Clarity", "score": 6}]}`,
		}, nil
	}

	c := f.client(t, coachToken)
	ctx := context.Background()
	id := upload(t, c, rubric.ByID(rubric.IDGeneral))
	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got := histogramSum(t, reader, "pitchpractice.stt.duration"); got != 1.5 {
		t.Errorf("stt duration = %vs, want 1.5s from the server clock", got)
	}

	if _, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.IDGeneral)}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	waitStatus(t, c, id, run.StatusAnalyzed)
	if got := histogramSum(t, reader, "pitchpractice.analysis.duration"); got != 4 {
		t.Errorf("analysis duration = %vs, want 4s from the server clock", got)
	}
}

func TestAnalyze_FreePlanHasNoInsights(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.client(t, freeToken)
	ctx := context.Background()

	id := upload(t, c, rubric.ByID(rubric.IDInvestor))
	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if _, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.IDInvestor)}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	done := waitStatus(t, c, id, run.StatusAnalyzed)
	if strings.Contains(string(done.Analysis), `"insights"`) {
		t.Errorf("free plan analysis carries insights: %s", done.Analysis)
	}
}

func TestCreateRun_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	custom := rubric.CustomRubric(rubric.Rubric{Name: "Mine", Criteria: []rubric.Criterion{{Name: "Energy"}}})

	tests := []struct {
		name  string
		token string
		req   pitchapi.UploadRequest
		code  int
	}{
		{"too short", coachToken, pitchapi.UploadRequest{Audio: []byte("tiny"), Rubric: rubric.ByID("general")}, http.StatusUnprocessableEntity},
		{"custom rubric on free plan", freeToken, pitchapi.UploadRequest{Audio: wav(t, time.Second), Rubric: custom}, http.StatusForbidden},
		{"unknown rubric", coachToken, pitchapi.UploadRequest{Audio: wav(t, time.Second), Rubric: rubric.ByID("nope")}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.client(t, tt.token).CreateRun(context.Background(), tt.req)
			wantStatus(t, err, tt.code)
		})
	}

	t.Run("custom rubric on coach plan", func(t *testing.T) {
		t.Parallel()
		id := upload(t, f.client(t, coachToken), custom)
		rec, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !rec.Rubric.IsCustom() || rec.Plan != entitlement.PlanCoach {
			t.Errorf("stored record = rubric %s plan %s", rec.Rubric, rec.Plan)
		}
	})
}

func TestCreateRun_DurationClampedToPlan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.client(t, freeToken)

	// Not a WAV, so the reported duration is used.
	id, err := c.CreateRun(context.Background(), pitchapi.UploadRequest{
		Audio:      make([]byte, 8<<10),
		MimeType:   "audio/webm",
		FileName:   "pitch.webm",
		Rubric:     rubric.ByID(rubric.DefaultID),
		DurationMs: 200000,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	rec, _ := f.store.Get(context.Background(), id)
	if rec.DurationMs != 120000 || rec.MimeType != "audio/webm" {
		t.Errorf("stored duration %d mime %q, want 120000 audio/webm", rec.DurationMs, rec.MimeType)
	}
}

func TestTranscribe_FailureThenRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.client(t, coachToken)
	ctx := context.Background()
	id := upload(t, c, rubric.ByID(rubric.DefaultID))

	f.stt.Err = errors.New("provider down")
	_, err := c.Transcribe(ctx, id)
	wantStatus(t, err, http.StatusBadGateway)
	r, _ := c.GetRun(ctx, id)
	if r.Status != run.StatusError || !strings.Contains(r.Error, "provider down") {
		t.Errorf("run after failure = %+v", r)
	}

	f.stt.Err = nil
	tr, err := c.Transcribe(ctx, id)
	if err != nil {
		t.Fatalf("retry Transcribe: %v", err)
	}
	if tr.Status != run.StatusTranscribed {
		t.Errorf("retry status = %q", tr.Status)
	}

	// A transcribed run is not transcribed again.
	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("repeat Transcribe: %v", err)
	}
	if n := f.stt.CallCount(); n != 2 {
		t.Errorf("stt calls = %d, want 2", n)
	}
}

func TestTranscribe_NoSpeech(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Result = &stt.Transcript{Text: "  "}
	c := f.client(t, coachToken)
	id := upload(t, c, rubric.ByID(rubric.DefaultID))

	_, err := c.Transcribe(context.Background(), id)
	wantStatus(t, err, http.StatusUnprocessableEntity)
	if r, _ := c.GetRun(context.Background(), id); r.Status != run.StatusError {
		t.Errorf("status = %q, want error", r.Status)
	}
}

func TestAnalyze_Preconditions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.client(t, freeToken)
	ctx := context.Background()
	id := upload(t, c, rubric.ByID(rubric.DefaultID))

	_, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.DefaultID)})
	wantStatus(t, err, http.StatusConflict)

	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	custom := rubric.CustomRubric(rubric.Rubric{Name: "Mine", Criteria: []rubric.Criterion{{Name: "Energy"}}})
	_, err = c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: custom})
	wantStatus(t, err, http.StatusForbidden)

	if r, _ := c.GetRun(ctx, id); r.Status != run.StatusTranscribed {
		t.Errorf("rejected analyze changed status to %q", r.Status)
	}
}

func TestAnalyze_FailureMarksRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.CompleteErr = errors.New("rate limited")
	c := f.client(t, coachToken)
	ctx := context.Background()
	id := upload(t, c, rubric.ByID(rubric.DefaultID))
	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if _, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.DefaultID)}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	r := waitStatus(t, c, id, run.StatusError)
	if !strings.Contains(r.Error, "rate limited") || r.Transcript == "" {
		t.Errorf("failed run = %+v", r)
	}
}

// blockingAnalyzer holds every analysis until its context ends.
type blockingAnalyzer struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, _ analysis.Input) (*analysis.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdown_RecordsCancelledAnalysis(t *testing.T) {
	t.Parallel()
	ba := &blockingAnalyzer{started: make(chan struct{})}
	f := newFixture(t, func(c *backend.Config) { c.Analyzer = ba })
	c := f.client(t, coachToken)
	ctx := context.Background()
	id := upload(t, c, rubric.ByID(rubric.DefaultID))
	if _, err := c.Transcribe(ctx, id); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if _, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.DefaultID)}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// A second analyze while one is running is a no-op.
	res, err := c.Analyze(ctx, pitchapi.AnalyzeRequest{RunID: id, Rubric: rubric.ByID(rubric.DefaultID)})
	if err != nil || res.Status != run.StatusAnalyzing {
		t.Fatalf("repeat Analyze = %+v, %v", res, err)
	}

	<-ba.started
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.srv.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	rec, _ := f.store.Get(ctx, id)
	if rec.Status != run.StatusError {
		t.Errorf("status after shutdown = %q, want error", rec.Status)
	}
}

func TestEntitlementAndAuth(t *testing.T) {
	t.Parallel()

	t.Run("known token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		e, err := f.client(t, coachToken).ResolvePlan(context.Background())
		if err != nil || e.Plan != entitlement.PlanCoach {
			t.Errorf("ResolvePlan = %+v, %v", e, err)
		}
	})

	t.Run("unknown token gets default", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		e, err := f.client(t, "").ResolvePlan(context.Background())
		if err != nil || e.Plan != entitlement.PlanFree {
			t.Errorf("ResolvePlan = %+v, %v", e, err)
		}
	})

	t.Run("token required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *backend.Config) { c.Accounts.RequireToken = true })
		_, err := f.client(t, "stranger").ResolvePlan(context.Background())
		wantStatus(t, err, http.StatusUnauthorized)
	})

	t.Run("expired day pass", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *backend.Config) {
			c.Accounts.Tokens["pass"] = entitlement.Entitlement{Plan: entitlement.PlanDayPass, DayPassExpiresAt: epoch.Add(-time.Hour)}
		})
		custom := rubric.CustomRubric(rubric.Rubric{Name: "Mine", Criteria: []rubric.Criterion{{Name: "Energy"}}})
		_, err := f.client(t, "pass").CreateRun(context.Background(), pitchapi.UploadRequest{Audio: wav(t, time.Second), Rubric: custom})
		wantStatus(t, err, http.StatusForbidden)
	})

	t.Run("accounts swapped at runtime", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.srv.SetAccounts(backend.Accounts{
			Tokens: map[string]entitlement.Entitlement{freeToken: {Plan: entitlement.PlanStarter}},
		})
		e, err := f.client(t, freeToken).ResolvePlan(context.Background())
		if err != nil || e.Plan != entitlement.PlanStarter {
			t.Errorf("ResolvePlan = %+v, %v", e, err)
		}
		e, err = f.client(t, coachToken).ResolvePlan(context.Background())
		if err != nil || e.Plan != entitlement.PlanFree {
			t.Errorf("removed token: ResolvePlan = %+v, %v", e, err)
		}
	})
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.client(t, coachToken).GetRun(context.Background(), "missing")
	wantStatus(t, err, http.StatusNotFound)

	var apiErr *pitchapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "run not found" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.server + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := backend.New(backend.Config{}); err == nil {
		t.Error("want error for empty config")
	}
}
