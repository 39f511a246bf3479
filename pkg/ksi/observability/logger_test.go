package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := EnrichLogger(testLogger(&buf), "agent:spawn", "corr-1")
	logger.Info("test")

	out := buf.String()
	assert.Contains(t, out, "event_name=agent:spawn")
	assert.Contains(t, out, "correlation_id=corr-1")

	assert.Nil(t, EnrichLogger(nil, "agent:spawn", "corr-1"))
}

func TestLogDispatch(t *testing.T) {
	var buf bytes.Buffer
	LogDispatch(testLogger(&buf), "agent:spawn", "corr-1", 3, 12.5)

	out := buf.String()
	assert.Contains(t, out, "event dispatched")
	assert.Contains(t, out, "responses=3")

	assert.NotPanics(t, func() {
		LogDispatch(nil, "agent:spawn", "corr-1", 0, 0)
	})
}

func TestLogHandlerError(t *testing.T) {
	var buf bytes.Buffer
	LogHandlerError(testLogger(&buf), "agent:spawn", "spawner", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "handler failed")
	assert.Contains(t, out, "handler=spawner")
	assert.Contains(t, out, "boom")

	assert.NotPanics(t, func() {
		LogHandlerError(nil, "agent:spawn", "spawner", errors.New("boom"))
	})
}

func TestLogRouteApplied(t *testing.T) {
	var buf bytes.Buffer
	LogRouteApplied(testLogger(&buf), "agent:failed", "rule-1", "recovery:restart")

	out := buf.String()
	assert.Contains(t, out, "routing rule applied")
	assert.Contains(t, out, "rule_id=rule-1")

	assert.NotPanics(t, func() {
		LogRouteApplied(nil, "agent:failed", "rule-1", "recovery:restart")
	})
}

func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	ms := elapsed()
	assert.GreaterOrEqual(t, ms, float64(0))

	// Second call keeps measuring from the same start.
	assert.GreaterOrEqual(t, elapsed(), ms)
}

func TestLogOutputIsStructured(t *testing.T) {
	var buf bytes.Buffer
	LogDispatch(testLogger(&buf), "agent:spawn", "corr-1", 1, 3.0)

	// One line per record.
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(buf.String()), "\n")+1)
}
