package runtime

import (
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRuntimesDir enables file discovery in dir.
func WithRuntimesDir(dir string) Option {
	return func(m *Manager) {
		m.dir = dir
	}
}

// WithHealthInterval sets how often registered runtimes are re-checked.
// Default: 5s
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithProbe sets the retry schedule used to health-check a new
// registration: the first retry interval, the cap on intervals, and the
// total time before the registration is ignored.
func WithProbe(initial, maxInterval, maxElapsed time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.probe.initialInterval = initial
		}
		if maxInterval > 0 {
			m.probe.maxInterval = maxInterval
		}
		if maxElapsed > 0 {
			m.probe.maxElapsed = maxElapsed
		}
	}
}

// WithClient overrides the reflection client.
func WithClient(c *Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}
