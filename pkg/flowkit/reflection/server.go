// Package reflection serves a runtime's flows to the development tooling.
//
// An application embeds a Server next to its flowkit.Runner. On Start the
// server listens on a local port and, when a runtimes directory is
// configured, writes a registration file there so the supervisor's runtime
// manager can discover it. Shutdown removes the file again.
//
// Endpoints:
//
//	GET  /api/__health  {"status":"OK"}
//	GET  /api/actions   {"flows":["name", ...]}
//	POST /api/runFlow   FlowState in, FlowState out
//
// Errors are returned as
//
//	{"error":{"code":5,"status":"NOT_FOUND","message":"...","details":{"stack":"...","traceId":"..."}}}
//
// with the HTTP status of the code.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/randalmurphal/flowkit/pkg/flowkit"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/runtime"
)

// DefaultAddr listens on an ephemeral localhost port.
const DefaultAddr = "127.0.0.1:0"

// ErrNotStarted is returned by Shutdown before Start.
var ErrNotStarted = errors.New("reflection server not started")

// Server is the runtime-side reflection HTTP server.
type Server struct {
	runner *flowkit.Runner
	logger *slog.Logger

	addr        string
	runtimesDir string
	projectName string
	version     string
	id          string
	now         func() time.Time

	mu       sync.Mutex
	http     *http.Server
	rt       runtime.Runtime
	regPath  string
	serveErr chan error
}

// New creates a server for runner.
func New(runner *flowkit.Runner, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		logger: slog.Default(),
		addr:   DefaultAddr,
		id:     uuid.NewString(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.WithComponent(s.logger, "reflection")
	return s
}

// Handler returns the router with all reflection endpoints.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	api := router.Group("/api")
	{
		api.GET("/__health", s.handleHealth)
		api.GET("/actions", s.handleActions)
		api.POST("/runFlow", s.handleRunFlow)
	}
	return router
}

// Start listens and serves in the background, then writes the
// registration file. It returns the registration describing this runtime.
func (s *Server) Start(ctx context.Context) (runtime.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return runtime.Runtime{}, fmt.Errorf("reflection server already started on %s", s.rt.ReflectionURL)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return runtime.Runtime{}, fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
		close(s.serveErr)
	}()

	rt := runtime.Runtime{
		ID:            s.id,
		PID:           os.Getpid(),
		ReflectionURL: "http://" + ln.Addr().String(),
		Timestamp:     s.now().UTC(),
		ProjectName:   s.projectName,
		Version:       s.version,
	}

	if s.runtimesDir != "" {
		path, err := runtime.WriteRegistration(s.runtimesDir, rt)
		if err != nil {
			_ = srv.Close()
			return runtime.Runtime{}, fmt.Errorf("register runtime: %w", err)
		}
		s.regPath = path
	}

	s.http = srv
	s.rt = rt
	s.logger.Info("reflection server started",
		"runtime_id", rt.ID,
		"url", rt.ReflectionURL,
		"flows", s.runner.Flows().Names(),
	)
	return rt, nil
}

// Runtime returns the registration of a started server.
func (s *Server) Runtime() runtime.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Shutdown removes the registration file and stops the server, waiting for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, path := s.http, s.regPath
	s.http, s.regPath = nil, ""
	s.mu.Unlock()

	if srv == nil {
		return ErrNotStarted
	}

	var errs []error
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove registration: %w", err))
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("reflection server stopped", "runtime_id", s.id)
	return errors.Join(errs...)
}

// Serve starts the server and blocks until ctx is done or the server
// fails, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-s.serveErr:
		if ok {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}
