package flowkit

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// Run executes a named step at most once per flow execution.
//
// If the step already has a cached result, fn is not called and the cached
// value is decoded into T. Otherwise fn runs, its result is written to the
// flow state cache, and the state is persisted when the runner has a store.
// A nil or JSON-null result is cached as {"empty":true} and is served as the
// zero T on later attempts.
//
// Example:
//
//	greeting, err := flowkit.Run(ctx, "step1", func(context.Context) (string, error) {
//	    return "Hello, " + name + "! step 1", nil
//	})
func Run[T any](ctx Context, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	fc, ok := fromContext(ctx)
	if !ok {
		return zero, ErrNotInFlow
	}
	if err := fc.claim(step); err != nil {
		return zero, err
	}

	if cached, ok := fc.cached(step); ok {
		fc.runner.metrics.RecordStepCached(ctx, fc.FlowName(), step)
		fc.runner.spans.AddSpanEvent(ctx, "step.cached")
		observability.LogStepCached(fc.logger, step)
		return decodeStep[T](step, cached)
	}

	stepCtx, span := fc.runner.spans.StartStepSpan(ctx, step)
	observability.LogStepStart(fc.logger, step)
	elapsed := observability.TimedOperation()

	out, err := fn(stepCtx)

	durationMs := elapsed()
	fc.runner.metrics.RecordStepExecution(ctx, fc.FlowName(), step, msDuration(durationMs), err)
	fc.runner.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogStepError(fc.logger, step, err)
		return zero, &StepError{Step: step, Err: err, Stack: string(debug.Stack())}
	}
	observability.LogStepComplete(fc.logger, step, durationMs)

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, &StepError{Step: step, Err: fmt.Errorf("encode result: %w", err)}
	}
	if err := fc.record(ctx, step, flowstate.ValueResult(raw)); err != nil {
		return zero, err
	}
	return out, nil
}

// WaitFor suspends the flow until an external event named after the step
// arrives.
//
// On the first attempt that reaches the step it returns ErrInterrupted
// (wrapped in an *InterruptError); the flow function should return that
// error, which ends the attempt with blockedOnStep = {step, schema}. When
// the flow is resumed with event data, WaitFor caches the payload as the
// step result and returns it decoded into T. Later attempts are served from
// the cache.
func WaitFor[T any](ctx Context, step string, schema json.RawMessage) (T, error) {
	var zero T
	fc, ok := fromContext(ctx)
	if !ok {
		return zero, ErrNotInFlow
	}
	if err := fc.claim(step); err != nil {
		return zero, err
	}

	if cached, ok := fc.cached(step); ok {
		fc.runner.metrics.RecordStepCached(ctx, fc.FlowName(), step)
		observability.LogStepCached(fc.logger, step)
		return decodeStep[T](step, cached)
	}

	if payload, ok := fc.event(step); ok {
		result := flowstate.ValueResult(payload)
		if err := fc.record(ctx, step, result); err != nil {
			return zero, err
		}
		return decodeStep[T](step, result)
	}

	fc.block(step, schema)
	return zero, &InterruptError{Step: step}
}

func decodeStep[T any](step string, r flowstate.StepResult) (T, error) {
	var out T
	if r.IsEmpty() {
		return out, nil
	}
	if err := json.Unmarshal(r.Value(), &out); err != nil {
		return out, &StepError{Step: step, Err: fmt.Errorf("decode cached result: %w", err)}
	}
	return out, nil
}

// claim reserves a step name for this attempt. Two steps with the same name
// would share one cache entry.
func (c *flowContext) claim(step string) error {
	if step == "" {
		return status.New(status.InvalidArgument, "step name cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[step] {
		return status.Errorf(status.AlreadyExists, "step %q already used in flow %s", step, c.state.Name)
	}
	c.claimed[step] = true
	return nil
}

func (c *flowContext) cached(step string) (flowstate.StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.state.Cache[step]
	return r, ok
}

func (c *flowContext) event(step string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.state.EventsTriggered[step]
	return p, ok
}

func (c *flowContext) block(step string, schema json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Block(step, schema)
	c.blocked = true
}

// record inserts a step result and persists the working state. A store
// failure is remembered so the runner reports it as an infrastructure error
// instead of a flow failure.
func (c *flowContext) record(ctx context.Context, step string, result flowstate.StepResult) error {
	c.mu.Lock()
	c.state.Cache[step] = result
	c.mu.Unlock()

	store := c.runner.store
	if store == nil {
		return nil
	}

	snap := c.snapshot()
	if _, err := flowstate.Commit(ctx, store, snap); err != nil {
		observability.LogStateError(c.logger, snap.FlowID, "save", err)
		c.mu.Lock()
		c.fatal = err
		c.mu.Unlock()
		return err
	}
	observability.LogStateSaved(c.logger, snap.FlowID, string(snap.Phase()))
	return nil
}
