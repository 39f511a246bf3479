// Package observability provides structured logging, metrics, and
// distributed tracing for the event routing substrate.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds dispatch context to a logger. Returns a new logger
// with event_name and correlation_id fields.
func EnrichLogger(logger *slog.Logger, eventName, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_name", eventName),
		slog.String("correlation_id", correlationID),
	)
}

// LogDispatch logs a completed dispatch.
func LogDispatch(logger *slog.Logger, eventName, correlationID string, responses int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_name", eventName),
		slog.String("correlation_id", correlationID),
		slog.Int("responses", responses),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerError logs a contained handler failure. Dispatch to the
// remaining handlers continues.
func LogHandlerError(logger *slog.Logger, eventName, handler string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("event_name", eventName),
		slog.String("handler", handler),
		slog.String("error", err.Error()),
	)
}

// LogRouteApplied logs one dispatch-time application of a routing rule.
func LogRouteApplied(logger *slog.Logger, eventName, ruleID, target string) {
	if logger == nil {
		return
	}
	logger.Debug("routing rule applied",
		slog.String("event_name", eventName),
		slog.String("rule_id", ruleID),
		slog.String("target", target),
	)
}

// TimedOperation measures the duration of an operation. Returns a
// function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
