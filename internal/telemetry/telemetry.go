// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators so incoming
	// traceparent/tracestate headers from SDK clients are picked up.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// IngestMetrics holds the instruments for the ingestion path. With OTEL
// disabled the global provider is a no-op, so recording stays cheap.
type IngestMetrics struct {
	BatchesTotal   metric.Int64Counter
	PointsAccepted metric.Int64Counter
	ItemsDropped   metric.Int64Counter
}

// NewIngestMetrics registers the ingestion instruments on the global meter.
func NewIngestMetrics() (*IngestMetrics, error) {
	meter := Meter("kiroku/ingest")

	batches, err := meter.Int64Counter("kiroku.ingest.batches",
		metric.WithDescription("Batches processed, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create batches counter: %w", err)
	}
	points, err := meter.Int64Counter("kiroku.ingest.points_accepted",
		metric.WithDescription("Metric points accepted into the store"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create points counter: %w", err)
	}
	dropped, err := meter.Int64Counter("kiroku.ingest.items_dropped",
		metric.WithDescription("Tags and metric names dropped by cardinality limits"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create dropped counter: %w", err)
	}

	return &IngestMetrics{
		BatchesTotal:   batches,
		PointsAccepted: points,
		ItemsDropped:   dropped,
	}, nil
}

// CardinalityStatsSource exposes per-project label-cardinality counts for
// observation. Implemented by the cardinality guard.
type CardinalityStatsSource interface {
	ProjectIDs() []string
	ProjectStats(projectID string) (admitted int, observedEstimate uint64, ok bool)
}

// RegisterCardinalityGauges registers observable gauges reporting, per
// project, how many distinct tag pairs were admitted and how many distinct
// pairs were observed overall (including dropped ones). The gap between
// the two is the operator's signal that limits are biting. Returns the
// registration so callers can unregister on shutdown.
func RegisterCardinalityGauges(src CardinalityStatsSource) (metric.Registration, error) {
	meter := Meter("kiroku/cardinality")

	admitted, err := meter.Int64ObservableGauge("kiroku.cardinality.tag_pairs_admitted",
		metric.WithDescription("Distinct tag pairs admitted per project"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create admitted gauge: %w", err)
	}
	observed, err := meter.Int64ObservableGauge("kiroku.cardinality.tag_pairs_observed",
		metric.WithDescription("Estimated distinct tag pairs observed per project, including dropped"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create observed gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, projectID := range src.ProjectIDs() {
			adm, est, ok := src.ProjectStats(projectID)
			if !ok {
				continue
			}
			attrs := metric.WithAttributes(attribute.String("project_id", projectID))
			o.ObserveInt64(admitted, int64(adm), attrs)
			o.ObserveInt64(observed, int64(est), attrs) //nolint:gosec // estimate, bounded far below overflow
		}
		return nil
	}, admitted, observed)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register cardinality callback: %w", err)
	}
	return reg, nil
}
