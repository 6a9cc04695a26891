// Package engine drives flow executions through the FlowState state
// machine: Dispatch creates a flow, Resume delivers an event to a blocked
// flow, and WaitForCompletion polls until a flow is done.
//
// The engine never runs flow code itself. It hands the state to an Invoker
// (an in-process flowkit.Runner or a runtime.Manager routing to a
// registered runtime) and commits whatever comes back.
//
// Callers must keep at most one Dispatch or Resume in flight per flow id.
// The engine does not lock flow records.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// DefaultPollInterval is how often WaitForCompletion reloads the state.
const DefaultPollInterval = time.Second

// Invoker runs one attempt of a flow and returns the resulting state.
//
// Implementations close the open execution entry and record the outcome in
// the returned state. A returned error means the attempt could not run at
// all (runtime unreachable, unknown flow); the engine captures it into the
// flow's result.
type Invoker interface {
	Invoke(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error) {
	return f(ctx, state)
}

// Dispatcher implements dispatch, resume and wait over a store and an
// invoker.
type Dispatcher struct {
	store        flowstate.Store
	invoker      Invoker
	logger       *slog.Logger
	spans        observability.SpanManager
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string
}

// New creates a dispatcher.
func New(store flowstate.Store, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		invoker:      invoker,
		logger:       slog.Default(),
		spans:        observability.NoopSpanManager{},
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts a new execution of flowName and runs its first attempt.
//
// The returned state is whatever the attempt left behind: done when the
// flow finished (successfully or not), blocked when it waits on an event.
// Errors are returned only for invalid arguments and store failures.
func (d *Dispatcher) Dispatch(ctx context.Context, flowName string, input json.RawMessage) (*flowstate.FlowState, error) {
	if flowName == "" {
		return nil, status.New(status.InvalidArgument, "flow name is required")
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, status.Errorf(status.InvalidArgument, "input of flow %s is not valid JSON", flowName)
	}

	state := flowstate.New(d.newID(), flowName, input, d.now())
	saved, err := flowstate.Commit(ctx, d.store, state)
	if err != nil {
		observability.LogStateError(d.logger, state.FlowID, "create", err)
		return nil, err
	}
	d.logger.Info("flow dispatched", "flow_id", saved.FlowID, "flow_name", flowName)

	return d.attempt(ctx, saved)
}

// Resume delivers eventData to a blocked flow and runs the next attempt.
//
// It fails with NOT_FOUND when no flow flowID exists (or it belongs to a
// different flow than flowName), and with FAILED_PRECONDITION when the flow
// is done or is not blocked. Steps already in the cache are served from it.
func (d *Dispatcher) Resume(ctx context.Context, flowName, flowID string, eventData json.RawMessage) (*flowstate.FlowState, error) {
	if len(eventData) > 0 && !json.Valid(eventData) {
		return nil, status.Errorf(status.InvalidArgument, "event data for flow %s is not valid JSON", flowID)
	}

	prev, err := d.load(ctx, flowName, flowID)
	if err != nil {
		return nil, err
	}
	if prev.Operation.Done {
		return nil, status.Errorf(status.FailedPrecondition, "flow %s is already done", flowID)
	}
	if prev.BlockedOnStep == nil {
		return nil, status.Errorf(status.FailedPrecondition, "flow %s is not blocked on a step", flowID)
	}

	next := prev.Clone()
	if len(eventData) == 0 {
		eventData = json.RawMessage("null")
	}
	next.EventsTriggered[prev.BlockedOnStep.Name] = eventData
	next.BlockedOnStep = nil
	next.BeginExecution(d.now())

	saved, err := flowstate.Commit(ctx, d.store, next)
	if err != nil {
		observability.LogStateError(d.logger, flowID, "resume", err)
		return nil, err
	}
	d.logger.Info("flow resumed",
		"flow_id", flowID,
		"flow_name", saved.Name,
		"step", prev.BlockedOnStep.Name,
		"attempt", len(saved.Executions),
	)

	return d.attempt(ctx, saved)
}

// WaitForCompletion polls the store until the flow is done and returns its
// final state. It has no deadline of its own; cancel ctx to stop waiting,
// which returns a CANCELLED or DEADLINE_EXCEEDED status error.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, flowName, flowID string) (*flowstate.FlowState, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, status.Wrap(ctx.Err(), status.CodeOf(ctx.Err()), fmt.Sprintf("wait for flow %s", flowID))
		case <-timer.C:
		}

		state, err := d.load(ctx, flowName, flowID)
		if err != nil {
			return nil, err
		}
		if state.Operation.Done {
			return state, nil
		}
		timer.Reset(d.pollInterval)
	}
}

// State loads one flow state. A missing flow is a NOT_FOUND status error.
func (d *Dispatcher) State(ctx context.Context, flowID string) (*flowstate.FlowState, error) {
	return d.load(ctx, "", flowID)
}

// List returns one page of flow states.
func (d *Dispatcher) List(ctx context.Context, query *flowstate.Query) (*flowstate.QueryResponse, error) {
	resp, err := d.store.List(ctx, query)
	if errors.Is(err, flowstate.ErrInvalidToken) {
		return nil, status.Wrap(err, status.InvalidArgument, "list flows")
	}
	return resp, err
}

// load reads a state and checks it belongs to flowName. An empty flowName
// matches any flow.
func (d *Dispatcher) load(ctx context.Context, flowName, flowID string) (*flowstate.FlowState, error) {
	if flowID == "" {
		return nil, status.New(status.InvalidArgument, "flow id is required")
	}
	state, err := d.store.Load(ctx, flowID)
	if errors.Is(err, flowstate.ErrNotFound) {
		return nil, status.Wrap(err, status.NotFound, fmt.Sprintf("flow %s", flowID))
	}
	if err != nil {
		return nil, err
	}
	if flowName != "" && state.Name != flowName {
		return nil, status.Errorf(status.NotFound, "flow %s is not an execution of %s", flowID, flowName)
	}
	return state, nil
}

// attempt invokes the flow once and commits the outcome. Invocation errors
// become the flow's error result; only store failures are returned.
func (d *Dispatcher) attempt(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error) {
	attemptNum := len(state.Executions)
	ctx, span := d.spans.StartAttemptSpan(ctx, state.Name, state.FlowID, attemptNum)

	work := state.Clone()
	if traceID := observability.TraceID(ctx); traceID != "" {
		work.AddTraceID(traceID)
		work.TraceContext = observability.TraceParent(ctx)
	}

	out, err := d.invoker.Invoke(ctx, work)
	if err == nil {
		err = checkReply(work, out)
	}
	invokeErr := err
	if err != nil {
		d.logger.Warn("flow invocation failed",
			"flow_id", work.FlowID,
			"flow_name", work.Name,
			"error", err.Error(),
		)
		out = work
		out.Fail(err, invocationStack(err))
		out.EndExecution(d.now())
	}

	// The outcome is recorded even if the caller gave up while the
	// attempt ran.
	saved, err := flowstate.Commit(context.WithoutCancel(ctx), d.store, out)
	if err != nil {
		observability.LogStateError(d.logger, out.FlowID, "commit", err)
		d.spans.EndSpanWithError(span, err)
		return nil, err
	}
	observability.LogStateSaved(d.logger, saved.FlowID, string(saved.Phase()))
	d.spans.EndSpanWithError(span, invokeErr)
	return saved, nil
}

// checkReply rejects a returned state that is not an outcome of the
// attempt on in. Such a reply is recorded as a failure of in.
func checkReply(in, out *flowstate.FlowState) error {
	switch {
	case out == nil:
		return status.New(status.Internal, "invoker returned no state")
	case out.FlowID != in.FlowID:
		return status.Errorf(status.Internal, "invoker returned flow %q for flow %q", out.FlowID, in.FlowID)
	case out.Name != in.Name:
		return status.Errorf(status.Internal, "invoker returned flow name %q for %q", out.Name, in.Name)
	case !out.StartTime.Equal(in.StartTime):
		return status.Errorf(status.Internal, "invoker changed the start time of flow %q", in.FlowID)
	case !out.Operation.Done && out.BlockedOnStep == nil:
		return status.Errorf(status.Internal, "invoker returned flow %q neither done nor blocked", in.FlowID)
	}
	return nil
}

func invocationStack(err error) string {
	var se *status.Error
	if errors.As(err, &se) && se.Stack != "" {
		return se.Stack
	}
	return string(debug.Stack())
}
