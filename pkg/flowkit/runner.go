package flowkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// Runner executes flow attempts in-process. It is the runtime side of
// dispatch and resume: given a FlowState it runs the named flow once,
// serving completed steps from the cache.
type Runner struct {
	flows   *Registry
	store   flowstate.Store
	logger  *slog.Logger
	spans   observability.SpanManager
	metrics observability.MetricsRecorder
	now     func() time.Time
}

// NewRunner creates a runner for the flows in the registry.
func NewRunner(flows *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		flows:   flows,
		logger:  slog.Default(),
		spans:   observability.NoopSpanManager{},
		metrics: observability.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flows returns the registry the runner executes from.
func (r *Runner) Flows() *Registry {
	return r.flows
}

// Invoke runs one attempt of the flow named by state.Name and returns the
// resulting state. The input state is not modified.
//
// Outcomes are recorded in the returned state rather than returned as
// errors:
//   - the flow returned a value: operation.done, result.response set
//   - the flow returned an error or panicked: operation.done, result.error
//     and result.stacktrace set
//   - the flow waited on an event: blockedOnStep set, operation.done false
//
// The current execution entry is closed in every case. Invoke returns an
// error only for infrastructure problems: an unknown flow, a terminal input
// state, or a failed state write.
//
// Invoke does not persist the final state; the caller commits it.
func (r *Runner) Invoke(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error) {
	if state == nil {
		return nil, status.New(status.InvalidArgument, "flow state is nil")
	}
	flow, ok := r.flows.Lookup(state.Name)
	if !ok {
		return nil, status.Wrap(ErrFlowNotFound, status.NotFound, fmt.Sprintf("flow %q", state.Name))
	}
	if state.Operation.Done {
		return nil, status.Errorf(status.FailedPrecondition, "flow %s is already done", state.FlowID)
	}

	work := state.Clone()
	if exec := work.CurrentExecution(); exec == nil || exec.EndTime != nil {
		work.BeginExecution(r.now())
	}
	attempt := len(work.Executions)

	if !hasSpan(ctx) {
		ctx = observability.ContextWithTraceParent(ctx, work.TraceContext)
	}
	ctx, span := r.spans.StartAttemptSpan(ctx, work.Name, work.FlowID, attempt)
	if traceID := observability.TraceID(ctx); traceID != "" {
		work.AddTraceID(traceID)
		work.TraceContext = observability.TraceParent(ctx)
	}

	fc := newFlowContext(ctx, r, work, attempt)
	observability.LogFlowStart(r.logger, work.FlowID, work.Name, attempt)
	elapsed := observability.TimedOperation()

	response, runErr := r.call(fc, flow)

	if fc.fatal != nil {
		r.spans.EndSpanWithError(span, fc.fatal)
		return nil, fc.fatal
	}

	durationMs := elapsed()
	out := fc.snapshot()
	outcome := observability.OutcomeCompleted

	switch {
	case runErr != nil && errors.Is(runErr, ErrInterrupted) && fc.blocked:
		outcome = observability.OutcomeBlocked
		observability.LogFlowBlocked(r.logger, out.FlowID, out.BlockedOnStep.Name, durationMs)
		runErr = nil
	case runErr != nil:
		outcome = observability.OutcomeFailed
		out.Fail(runErr, stackOf(runErr))
		observability.LogFlowError(r.logger, out.FlowID, runErr, durationMs)
	default:
		raw, encErr := json.Marshal(response)
		if encErr != nil {
			outcome = observability.OutcomeFailed
			runErr = fmt.Errorf("encode flow response: %w", encErr)
			out.Fail(runErr, string(debug.Stack()))
			observability.LogFlowError(r.logger, out.FlowID, runErr, durationMs)
		} else {
			out.Complete(raw)
			observability.LogFlowComplete(r.logger, out.FlowID, durationMs, len(out.Cache))
		}
	}

	out.EndExecution(r.now())
	r.metrics.RecordAttempt(ctx, out.Name, outcome, msDuration(durationMs))
	if raw, err := out.Marshal(); err == nil {
		r.metrics.RecordStateSize(ctx, out.Name, int64(len(raw)))
	}
	r.spans.EndSpanWithError(span, runErr)
	return out, nil
}

// call runs the flow function with panic recovery.
func (r *Runner) call(fc *flowContext, flow *Flow) (response any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{
				Flow:  flow.name,
				Value: rec,
				Stack: string(debug.Stack()),
			}
		}
	}()

	fc.mu.Lock()
	input := fc.state.Input
	fc.mu.Unlock()
	return flow.fn(fc, input)
}

// stackOf returns the most specific stack trace carried by err.
func stackOf(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	var se *StepError
	if errors.As(err, &se) && se.Stack != "" {
		return se.Stack
	}
	var st *status.Error
	if errors.As(err, &st) && st.Stack != "" {
		return st.Stack
	}
	return string(debug.Stack())
}

func hasSpan(ctx context.Context) bool {
	return observability.TraceID(ctx) != ""
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
