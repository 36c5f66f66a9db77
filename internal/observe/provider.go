package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "pitchpractice".
	ServiceName    string
	ServiceVersion string

	// Metrics registers the Prometheus exporter bridge. When false the
	// global MeterProvider stays a no-op and /metrics has nothing to serve.
	Metrics bool

	// TraceSampleRatio samples root spans with this probability. Child
	// spans follow their parent, so a sampled upload keeps its transcribe
	// and analyze spans. Values outside (0, 1] mean "sample everything".
	TraceSampleRatio float64

	// TraceExporter receives finished spans. When nil spans are recorded
	// for correlation ids and log enrichment only.
	TraceExporter sdktrace.SpanExporter
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.TraceSampleRatio))
}

// InitProvider installs the global MeterProvider, TracerProvider and W3C
// trace-context propagator. The returned function flushes and closes them.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pitchpractice"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var closers []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if e := closers[i](ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}

	// ── Metrics ──
	if cfg.Metrics {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		)
		otel.SetMeterProvider(mp)
		closers = append(closers, mp.Shutdown)
	}

	// ── Traces ──
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	closers = append(closers, tp.Shutdown)

	return shutdown, nil
}
