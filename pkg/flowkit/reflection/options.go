package reflection

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/flowkit/pkg/flowkit/devenv"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAddr sets the listen address.
// Default: DefaultAddr
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithRuntimesDir writes the registration file into dir on Start.
func WithRuntimesDir(dir string) Option {
	return func(s *Server) {
		s.runtimesDir = dir
	}
}

// WithProject sets the project name and version in the registration.
func WithProject(name, version string) Option {
	return func(s *Server) {
		s.projectName = name
		s.version = version
	}
}

// WithID overrides the generated runtime id.
func WithID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.id = id
		}
	}
}

// WithClock sets the clock used for the registration timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDevEnv applies the listen address and runtimes directory injected by
// the supervisor.
func WithDevEnv(env devenv.Settings) Option {
	return func(s *Server) {
		WithAddr(env.ReflectionAddr)(s)
		if env.RuntimesDir != "" {
			s.runtimesDir = env.RuntimesDir
		}
	}
}
