package flowkit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
)

// Context provides execution context to flows and their steps.
// It extends context.Context with flow metadata and a logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with flow_id,
	// flow_name and attempt. Never returns nil.
	Logger() *slog.Logger

	// FlowID returns the id of the flow execution.
	FlowID() string

	// FlowName returns the name of the flow definition.
	FlowName() string

	// Attempt returns the execution attempt number (1 = first dispatch,
	// incremented by each resume).
	Attempt() int
}

type flowContextKey struct{}

// flowContext is the internal implementation of Context. It owns the
// working copy of the flow state for one attempt.
type flowContext struct {
	context.Context

	runner  *Runner
	logger  *slog.Logger
	attempt int

	mu      sync.Mutex
	state   *flowstate.FlowState
	claimed map[string]bool
	blocked bool
	fatal   error
}

func newFlowContext(ctx context.Context, r *Runner, state *flowstate.FlowState, attempt int) *flowContext {
	fc := &flowContext{
		runner:  r,
		attempt: attempt,
		state:   state,
		claimed: make(map[string]bool),
	}
	fc.logger = observability.EnrichLogger(r.logger, state.FlowID, state.Name, attempt)
	fc.Context = context.WithValue(ctx, flowContextKey{}, fc)
	return fc
}

// Logger returns the enriched logger.
func (c *flowContext) Logger() *slog.Logger {
	return c.logger
}

// FlowID returns the flow execution id.
func (c *flowContext) FlowID() string {
	return c.state.FlowID
}

// FlowName returns the flow definition name.
func (c *flowContext) FlowName() string {
	return c.state.Name
}

// Attempt returns the execution attempt number.
func (c *flowContext) Attempt() int {
	return c.attempt
}

// fromContext finds the flow context carried by ctx. Contexts derived from
// a flow Context with context.WithValue and friends still resolve.
func fromContext(ctx context.Context) (*flowContext, bool) {
	if fc, ok := ctx.(*flowContext); ok {
		return fc, true
	}
	if ctx == nil {
		return nil, false
	}
	fc, ok := ctx.Value(flowContextKey{}).(*flowContext)
	return fc, ok
}

// snapshot returns a copy of the working state.
func (c *flowContext) snapshot() *flowstate.FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}
