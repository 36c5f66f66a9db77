// Package observe provides application-wide observability primitives for
// PitchPractice: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that the reference
// backend can serve them on /metrics. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all PitchPractice metrics.
const meterName = "github.com/MrWong99/pitchpractice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Client pipeline ---

	// StepDuration tracks the latency of one orchestrator step. Use with
	// attributes: attribute.String("step", ...), attribute.String("status", ...)
	StepDuration metric.Float64Histogram

	// StepErrors counts failed orchestrator steps by step.
	StepErrors metric.Int64Counter

	// Polls counts status polls by outcome ("ok" or "error").
	Polls metric.Int64Counter

	// Reconciliations counts run snapshots by reconciliation outcome
	// ("ignored", "merged", "replaced"). Ignored snapshots are stale data.
	Reconciliations metric.Int64Counter

	// SlowNotices counts "still processing" notices shown to the user.
	SlowNotices metric.Int64Counter

	// RecordingSeconds tracks finalized recording length by stop reason.
	RecordingSeconds metric.Float64Histogram

	// ActiveRecordings tracks captures that are recording or paused.
	ActiveRecordings metric.Int64UpDownCounter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Backend ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// AnalysisDuration tracks LLM rubric analysis latency.
	AnalysisDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// RunsCreated counts uploaded runs by plan.
	RunsCreated metric.Int64Counter

	// AnalysesInFlight tracks asynchronous analyses currently running.
	AnalysesInFlight metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// and provider latencies. Transcription of a ten minute pitch can take well
// over a minute.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// recordingBuckets covers the plan ceilings (2, 5 and 10 minutes).
var recordingBuckets = []float64{
	5, 15, 30, 60, 120, 180, 300, 450, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Client pipeline.
	if met.StepDuration, err = m.Float64Histogram("pitchpractice.step.duration",
		metric.WithDescription("Latency of upload, transcribe and analyze steps."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StepErrors, err = m.Int64Counter("pitchpractice.step.errors",
		metric.WithDescription("Failed processing steps by step."),
	); err != nil {
		return nil, err
	}
	if met.Polls, err = m.Int64Counter("pitchpractice.polls",
		metric.WithDescription("Run status polls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Reconciliations, err = m.Int64Counter("pitchpractice.reconciliations",
		metric.WithDescription("Run snapshots by reconciliation outcome."),
	); err != nil {
		return nil, err
	}
	if met.SlowNotices, err = m.Int64Counter("pitchpractice.slow_notices",
		metric.WithDescription("Still-processing notices emitted."),
	); err != nil {
		return nil, err
	}
	if met.RecordingSeconds, err = m.Float64Histogram("pitchpractice.recording.duration",
		metric.WithDescription("Length of finalized recordings by stop reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("pitchpractice.active_recordings",
		metric.WithDescription("Captures currently recording or paused."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("pitchpractice.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Backend.
	if met.STTDuration, err = m.Float64Histogram("pitchpractice.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("pitchpractice.analysis.duration",
		metric.WithDescription("Latency of rubric analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pitchpractice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("pitchpractice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RunsCreated, err = m.Int64Counter("pitchpractice.runs.created",
		metric.WithDescription("Uploaded runs by plan."),
	); err != nil {
		return nil, err
	}
	if met.AnalysesInFlight, err = m.Int64UpDownCounter("pitchpractice.analyses_in_flight",
		metric.WithDescription("Asynchronous analyses currently running."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pitchpractice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// statusOf maps an error to the "status" attribute value.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStep records the outcome and latency of one orchestrator step.
func (m *Metrics) RecordStep(ctx context.Context, step string, d time.Duration, err error) {
	m.StepDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("status", statusOf(err)),
		),
	)
	if err != nil {
		m.StepErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}
}

// RecordPoll records one status poll.
func (m *Metrics) RecordPoll(ctx context.Context, err error) {
	m.Polls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOf(err))))
}

// RecordReconcile records how a run snapshot was reconciled.
func (m *Metrics) RecordReconcile(ctx context.Context, outcome string) {
	m.Reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRecording records a finalized recording.
func (m *Metrics) RecordRecording(ctx context.Context, reason string, d time.Duration) {
	m.RecordingSeconds.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
