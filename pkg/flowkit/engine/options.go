package engine

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets how often WaitForCompletion reloads the state.
// Default: 1s
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracing opens an OpenTelemetry span per attempt. Its trace id is
// recorded in the execution entry and its traceparent in traceContext, so
// the runtime's spans join the same trace.
func WithTracing() Option {
	return func(d *Dispatcher) {
		d.spans = observability.NewSpanManager()
	}
}

// WithClock overrides the time source for start and end timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides flow id allocation.
// Default: uuid.NewString
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		if newID != nil {
			d.newID = newID
		}
	}
}
