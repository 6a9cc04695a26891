package process

import (
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Headless child output is logged through it.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithKillTimeout sets how long Kill waits for a graceful exit.
// Default: 5s
func WithKillTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.killTimeout = d
		}
	}
}

// WithEnv injects variables into every child, typically devenv.Settings.Vars.
// StartOptions.Env still wins on conflicts.
func WithEnv(vars map[string]string) Option {
	return func(m *Manager) {
		for k, v := range vars {
			m.inject[k] = v
		}
	}
}
