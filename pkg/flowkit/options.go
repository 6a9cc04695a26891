package flowkit

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore persists the flow state after every completed step, so a crash
// mid-attempt loses at most the step that was running.
func WithStore(store flowstate.Store) RunnerOption {
	return func(r *Runner) {
		r.store = store
	}
}

// WithLogger sets the logger. Flow contexts receive it enriched with
// flow_id, flow_name and attempt.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracing enables OpenTelemetry spans for attempts and steps, using the
// global tracer provider.
func WithTracing() RunnerOption {
	return func(r *Runner) {
		r.spans = observability.NewSpanManager()
	}
}

// WithMetrics enables OpenTelemetry metrics, using the global meter provider.
func WithMetrics() RunnerOption {
	return func(r *Runner) {
		r.metrics = observability.NewMetricsRecorder()
	}
}

// WithClock overrides the time source used for execution timestamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}
