package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point whose attribute key
// has the given value, and whether one was found.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordStep(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStep(ctx, "upload", 200*time.Millisecond, nil)
	m.RecordStep(ctx, "transcribe", 3*time.Second, errors.New("boom"))
	m.RecordStep(ctx, "transcribe", 2*time.Second, nil)

	rm := collect(t, reader)
	met := findMetric(rm, "pitchpractice.step.duration")
	if met == nil {
		t.Fatal("step duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}

	if got, ok := sumWhere(t, rm, "pitchpractice.step.errors", "step", "transcribe"); !ok || got != 1 {
		t.Errorf("transcribe errors = %d (found %v), want 1", got, ok)
	}
	if _, ok := sumWhere(t, rm, "pitchpractice.step.errors", "step", "upload"); ok {
		t.Error("upload should have no error data point")
	}
}

func TestRecordReconcileAndPoll(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconcile(ctx, "ignored")
	m.RecordReconcile(ctx, "ignored")
	m.RecordReconcile(ctx, "replaced")
	m.RecordPoll(ctx, nil)
	m.RecordPoll(ctx, errors.New("timeout"))

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "pitchpractice.reconciliations", "outcome", "ignored"); got != 2 {
		t.Errorf("ignored = %d, want 2", got)
	}
	if got, _ := sumWhere(t, rm, "pitchpractice.polls", "status", "error"); got != 1 {
		t.Errorf("poll errors = %d, want 1", got)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "ok")
	m.RecordProviderError(ctx, "openai", "llm")

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "pitchpractice.provider.requests", "provider", "whisper"); got != 2 {
		t.Errorf("whisper requests = %d, want 2", got)
	}
	if got, _ := sumWhere(t, rm, "pitchpractice.provider.errors", "kind", "llm"); got != 1 {
		t.Errorf("llm errors = %d, want 1", got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBreakerTransition(context.Background(), "pitchapi", "open")

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "pitchpractice.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions to open = %d, want 1", got)
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 4.2)
	m.AnalysisDuration.Record(ctx, 9.1)
	m.RecordRecording(ctx, "ceiling", 2*time.Minute)

	rm := collect(t, reader)
	for _, name := range []string{
		"pitchpractice.stt.duration",
		"pitchpractice.analysis.duration",
		"pitchpractice.recording.duration",
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("metric %q: want one sample", name)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, -1)
	m.AnalysesInFlight.Add(ctx, 3)

	rm := collect(t, reader)
	gauges := []struct {
		name string
		want int64
	}{
		{"pitchpractice.active_recordings", 1},
		{"pitchpractice.analyses_in_flight", 3},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
