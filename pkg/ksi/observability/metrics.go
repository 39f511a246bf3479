package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records routing substrate metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatch records a completed emit with its duration and
	// response count.
	RecordDispatch(ctx context.Context, eventName string, duration time.Duration, responses int)

	// RecordHandlerError records a contained handler failure.
	RecordHandlerError(ctx context.Context, eventName string)

	// RecordRouteApplied records one dispatch-time rule application.
	RecordRouteApplied(ctx context.Context, ruleID string)

	// RecordLogDrop records a ring-buffer or durable-queue drop.
	RecordLogDrop(ctx context.Context, kind string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	routesApplied   metric.Int64Counter
	logDrops        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("ksi")

	dispatches, err := meter.Int64Counter("ksi.dispatch.count",
		metric.WithDescription("Number of events dispatched"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("ksi.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("ksi.handler.errors",
		metric.WithDescription("Number of contained handler failures"),
	)
	if err != nil {
		return nil, err
	}

	routesApplied, err := meter.Int64Counter("ksi.routing.applied",
		metric.WithDescription("Number of dispatch-time rule applications"),
	)
	if err != nil {
		return nil, err
	}

	logDrops, err := meter.Int64Counter("ksi.eventlog.drops",
		metric.WithDescription("Ring-buffer evictions and durable-queue drops"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		handlerErrors:   handlerErrors,
		routesApplied:   routesApplied,
		logDrops:        logDrops,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("otel metrics unavailable, using no-op recorder", "error", err)
		return NoopMetrics{}
	}
	return m
}

// RecordDispatch records a completed emit.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventName string, duration time.Duration, responses int) {
	attrs := metric.WithAttributes(
		attribute.String("event.name", eventName),
		attribute.Int("responses", responses),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordHandlerError records a contained handler failure.
func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventName string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.name", eventName),
	))
}

// RecordRouteApplied records one dispatch-time rule application.
func (m *otelMetrics) RecordRouteApplied(ctx context.Context, ruleID string) {
	m.routesApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule.id", ruleID),
	))
}

// RecordLogDrop records a ring-buffer or durable-queue drop.
func (m *otelMetrics) RecordLogDrop(ctx context.Context, kind string) {
	m.logDrops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("drop.kind", kind),
	))
}
