// Package observability provides structured logging, metrics and tracing
// for flow execution and the development supervisor.
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

// EnrichLogger adds flow context to a logger.
// Returns a new logger with flow_id, flow_name, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "3f2a...", "multiSteps", 2)
//	enriched.Info("doing work") // includes flow_id, flow_name, attempt
func EnrichLogger(logger *slog.Logger, flowID, flowName string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("flow_id", flowID),
		slog.String("flow_name", flowName),
		slog.Int("attempt", attempt),
	)
}

// LogFlowStart logs the start of a flow attempt.
func LogFlowStart(logger *slog.Logger, flowID, flowName string, attempt int) {
	if logger == nil {
		return
	}
	logger.Info("flow attempt starting",
		slog.String("flow_id", flowID),
		slog.String("flow_name", flowName),
		slog.Int("attempt", attempt),
	)
}

// LogFlowComplete logs a flow that finished with a response.
func LogFlowComplete(logger *slog.Logger, flowID string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("flow completed",
		slog.String("flow_id", flowID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_cached", steps),
	)
}

// LogFlowBlocked logs a flow attempt that suspended on a step.
func LogFlowBlocked(logger *slog.Logger, flowID, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("flow blocked",
		slog.String("flow_id", flowID),
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogFlowError logs a flow that finished with an error.
func LogFlowError(logger *slog.Logger, flowID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("flow failed",
		slog.String("flow_id", flowID),
		slog.String("error", errString(err)),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting",
		slog.String("step", step),
	)
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepCached logs a step served from the flow state cache.
func LogStepCached(logger *slog.Logger, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step served from cache",
		slog.String("step", step),
	)
}

// LogStepError logs step execution error.
func LogStepError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("step", step),
		slog.String("error", errString(err)),
	)
}

// LogStateSaved logs a flow state write.
func LogStateSaved(logger *slog.Logger, flowID string, phase string) {
	if logger == nil {
		return
	}
	logger.Debug("flow state saved",
		slog.String("flow_id", flowID),
		slog.String("phase", phase),
	)
}

// LogStateError logs a failed flow state read or write.
func LogStateError(logger *slog.Logger, flowID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("flow state operation failed",
		slog.String("flow_id", flowID),
		slog.String("operation", op),
		slog.String("error", errString(err)),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
