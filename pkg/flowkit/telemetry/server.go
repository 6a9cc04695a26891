package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/flowkit/pkg/flowkit/config"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
)

// API paths of the telemetry server.
const (
	PathHealth = "/api/__health"
	PathTraces = "/api/traces"
)

// DefaultMaxTraces bounds how many traces the server keeps in memory.
const DefaultMaxTraces = 1000

// TraceURL returns the address under which server serves traceID.
func TraceURL(server, traceID string) string {
	return strings.TrimRight(server, "/") + PathTraces + "/" + traceID
}

// IngestRequest is the body of POST /api/traces.
type IngestRequest struct {
	Spans []Span `json:"spans" binding:"required,dive"`
}

// TraceSummary is one entry of GET /api/traces.
type TraceSummary struct {
	TraceID   string    `json:"traceId"`
	RootName  string    `json:"rootName,omitempty"`
	SpanCount int       `json:"spanCount"`
	StartTime time.Time `json:"startTime"`
}

// Server keeps recent traces in memory and serves them over HTTP.
type Server struct {
	logger    *slog.Logger
	maxTraces int

	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string

	httpMu sync.Mutex
	http   *http.Server
	url    string
}

// NewServer creates a server. maxTraces <= 0 uses DefaultMaxTraces.
func NewServer(logger *slog.Logger, maxTraces int) *Server {
	if maxTraces <= 0 {
		maxTraces = DefaultMaxTraces
	}
	return &Server{
		logger:    observability.WithComponent(logger, "telemetry"),
		maxTraces: maxTraces,
		traces:    make(map[string]*Trace),
	}
}

// Handler returns the router with the telemetry endpoints.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	router.POST(PathOTLPTraces, s.handleOTLP)
	router.POST(PathTraces, s.handleIngest)
	router.GET(PathTraces, s.handleList)
	router.GET(PathTraces+"/:traceID", s.handleGet)
	return router
}

// Start listens on addr and serves in the background. It returns the
// server's base URL.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	if s.http != nil {
		return "", fmt.Errorf("telemetry server already started on %s", s.url)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("telemetry server failed", "error", err.Error())
		}
	}()

	s.http = srv
	s.url = "http://" + ln.Addr().String()
	s.logger.Info("telemetry server started", "url", s.url)
	return s.url, nil
}

// URL returns the base URL of a started server.
func (s *Server) URL() string {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	return s.url
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpMu.Lock()
	srv := s.http
	s.http = nil
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Add stores spans, evicting the oldest traces beyond the limit.
func (s *Server) Add(spans ...Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range spans {
		t, ok := s.traces[sp.TraceID]
		if !ok {
			t = &Trace{TraceID: sp.TraceID}
			s.traces[sp.TraceID] = t
			s.order = append(s.order, sp.TraceID)
		}
		t.Spans = append(t.Spans, sp)
	}
	for len(s.order) > s.maxTraces {
		delete(s.traces, s.order[0])
		s.order = s.order[1:]
	}
}

// Trace returns a copy of the trace with the given id.
func (s *Server) Trace(traceID string) (Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	if !ok {
		return Trace{}, false
	}
	return Trace{TraceID: t.TraceID, Spans: append([]Span(nil), t.Spans...)}, true
}

// Summaries lists stored traces, most recent first.
func (s *Server) Summaries() []TraceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TraceSummary, 0, len(s.traces))
	for _, t := range s.traces {
		sum := TraceSummary{TraceID: t.TraceID, SpanCount: len(t.Spans)}
		for i, sp := range t.Spans {
			if i == 0 || sp.StartTime.Before(sum.StartTime) {
				sum.StartTime = sp.StartTime
			}
			if sp.ParentSpanID == "" {
				sum.RootName = sp.Name
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (s *Server) handleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i := range req.Spans {
		if err := config.Validator().Struct(req.Spans[i]); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("span %d: %v", i, err)})
			return
		}
	}
	s.Add(req.Spans...)
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Spans)})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"traces": s.Summaries()})
}

func (s *Server) handleGet(c *gin.Context) {
	t, ok := s.Trace(c.Param("traceID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}
