// Package telemetry initializes OpenTelemetry tracing and metrics exporters,
// and bridges the in-process internal/metrics.Sink (C3) into OTel so the
// synchronous counters/histograms components already record show up
// alongside everything else on the same OTLP pipeline.
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

	"github.com/nous-run/nous/internal/metrics"
)

// DefaultServiceName is used when the caller does not override it via
// config (spec.md's ambient observability stack has no per-service name
// requirement of its own, so this is the one sensible default).
const DefaultServiceName = "nous"

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

	// Register W3C Trace Context and Baggage propagators.
	// This enables automatic extraction of incoming traceparent/tracestate/baggage
	// headers and injection into outgoing requests (e.g., embedding API calls).
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

// BridgeSink registers async gauges on meter that, on every OTel collection
// pass, read sink's current snapshot and report each counter and each
// histogram's p50/p95/p99 as a separate gauge. This lets every
// internal/metrics.Sink-instrumented component (breaker, rate limiter,
// query cache, refresh worker, ...) be visible on the OTel pipeline without
// each of them taking a direct OTel dependency.
func BridgeSink(meter metric.Meter, sink *metrics.Sink) error {
	counterGauge, err := meter.Float64ObservableGauge("nous.sink.counter")
	if err != nil {
		return fmt.Errorf("telemetry: register counter gauge: %w", err)
	}
	histP50, err := meter.Float64ObservableGauge("nous.sink.histogram.p50")
	if err != nil {
		return fmt.Errorf("telemetry: register p50 gauge: %w", err)
	}
	histP95, err := meter.Float64ObservableGauge("nous.sink.histogram.p95")
	if err != nil {
		return fmt.Errorf("telemetry: register p95 gauge: %w", err)
	}
	histP99, err := meter.Float64ObservableGauge("nous.sink.histogram.p99")
	if err != nil {
		return fmt.Errorf("telemetry: register p99 gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := sink.Snapshot()
		for name, v := range snap.Counters {
			o.ObserveFloat64(counterGauge, v, metric.WithAttributes(seriesAttr(name)))
		}
		for name, h := range snap.Histograms {
			attr := metric.WithAttributes(seriesAttr(name))
			o.ObserveFloat64(histP50, h.P50, attr)
			o.ObserveFloat64(histP95, h.P95, attr)
			o.ObserveFloat64(histP99, h.P99, attr)
		}
		return nil
	}, counterGauge, histP50, histP95, histP99)
	if err != nil {
		return fmt.Errorf("telemetry: register sink bridge callback: %w", err)
	}
	return nil
}

func seriesAttr(seriesKey string) attribute.KeyValue {
	return attribute.String("series", seriesKey)
}
