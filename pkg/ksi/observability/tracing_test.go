package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest installs an in-memory span recorder as the global
// provider for the duration of a test.
func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("ksi")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("ksi")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	})
	return exporter
}

func TestStartDispatchSpan(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	_, span := m.StartDispatchSpan(context.Background(), "agent:spawn", "corr-1")
	require.NotNil(t, span)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "ksi.dispatch", spans[0].Name)

	var eventName, correlationID string
	for _, attr := range spans[0].Attributes {
		switch attr.Key {
		case "event.name":
			eventName = attr.Value.AsString()
		case "correlation.id":
			correlationID = attr.Value.AsString()
		}
	}
	assert.Equal(t, "agent:spawn", eventName)
	assert.Equal(t, "corr-1", correlationID)
}

func TestStartHandlerSpanNesting(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	ctx, dispatch := m.StartDispatchSpan(context.Background(), "agent:spawn", "corr-1")
	_, handler := m.StartHandlerSpan(ctx, "spawner")
	handler.End()
	dispatch.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	// Handler span is a child of the dispatch span.
	assert.Equal(t, "ksi.handler.spawner", spans[0].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	t.Run("records error status", func(t *testing.T) {
		exporter.Reset()
		_, span := m.StartDispatchSpan(context.Background(), "agent:spawn", "corr-1")
		m.EndSpanWithError(span, errors.New("handler failed"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		require.Len(t, spans[0].Events, 1)
	})

	t.Run("records ok status", func(t *testing.T) {
		exporter.Reset()
		_, span := m.StartDispatchSpan(context.Background(), "agent:spawn", "corr-1")
		m.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("nil span is a no-op", func(t *testing.T) {
		assert.NotPanics(t, func() {
			m.EndSpanWithError(nil, errors.New("x"))
		})
	})
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	ctx, span := m.StartDispatchSpan(context.Background(), "agent:spawn", "corr-1")
	m.AddSpanEvent(ctx, "route_applied")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "route_applied", spans[0].Events[0].Name)

	// No recording span in context: no-op.
	assert.NotPanics(t, func() {
		m.AddSpanEvent(context.Background(), "ignored")
	})
}
