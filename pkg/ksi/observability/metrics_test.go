package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider as the
// global provider for the duration of a test.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum")
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "expected a real recorder with a provider installed")
}

func TestRecordDispatch(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "agent:spawn", 50*time.Millisecond, 2)
	m.RecordDispatch(ctx, "agent:spawn", 10*time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	count := findMetric(rm, "ksi.dispatch.count")
	require.NotNil(t, count)
	assert.Equal(t, int64(2), sumValue(t, count))

	latency := findMetric(rm, "ksi.dispatch.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected float64 histogram")
	assert.NotEmpty(t, hist.DataPoints)
}

func TestRecordCounters(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordHandlerError(ctx, "agent:spawn")
	m.RecordRouteApplied(ctx, "rule-1")
	m.RecordRouteApplied(ctx, "rule-2")
	m.RecordLogDrop(ctx, "ring")

	rm := collectMetrics(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"ksi.handler.errors", 1},
		{"ksi.routing.applied", 2},
		{"ksi.eventlog.drops", 1},
	}
	for _, tt := range tests {
		metric := findMetric(rm, tt.name)
		require.NotNil(t, metric, "metric %s", tt.name)
		assert.Equal(t, tt.want, sumValue(t, metric), "metric %s", tt.name)
	}
}
