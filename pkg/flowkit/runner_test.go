package flowkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// multiSteps is the flow used across runner tests: one cached step, then
// a constant response.
func multiSteps(calls *atomic.Int32) *Flow {
	return DefineTyped("multiSteps", func(ctx Context, name string) (int, error) {
		_, err := Run(ctx, "step1", func(context.Context) (string, error) {
			if calls != nil {
				calls.Add(1)
			}
			return "Hello, " + name + "! step 1", nil
		})
		if err != nil {
			return 0, err
		}
		return 42, nil
	})
}

func newTestState(flowName string, input string) *flowstate.FlowState {
	return flowstate.New("flow-1", flowName, json.RawMessage(input), testNow)
}

func newTestRunner(t *testing.T, flows ...*Flow) *Runner {
	t.Helper()
	return NewRunner(NewRegistry(flows...), WithClock(fixedClock))
}

// TestInvoke_MultiSteps tests a flow that runs one step and completes.
func TestInvoke_MultiSteps(t *testing.T) {
	runner := newTestRunner(t, multiSteps(nil))

	out, err := runner.Invoke(context.Background(), newTestState("multiSteps", `"Douglas Adams"`))
	require.NoError(t, err)

	require.Contains(t, out.Cache, "step1")
	assert.JSONEq(t, `"Hello, Douglas Adams! step 1"`, string(out.Cache["step1"].Value()))
	assert.True(t, out.Operation.Done)
	require.NotNil(t, out.Operation.Result)
	assert.JSONEq(t, `42`, string(out.Operation.Result.Response))
	assert.Nil(t, out.BlockedOnStep)

	require.Len(t, out.Executions, 1)
	require.NotNil(t, out.Executions[0].EndTime)
	assert.Equal(t, testNow, *out.Executions[0].EndTime)
}

// TestInvoke_DoesNotModifyInput tests that the caller's state is untouched.
func TestInvoke_DoesNotModifyInput(t *testing.T) {
	runner := newTestRunner(t, multiSteps(nil))
	in := newTestState("multiSteps", `"Douglas Adams"`)

	_, err := runner.Invoke(context.Background(), in)
	require.NoError(t, err)

	assert.Empty(t, in.Cache)
	assert.False(t, in.Operation.Done)
	assert.Nil(t, in.Executions[0].EndTime)
}

// TestInvoke_CachedStepNotRerun tests the step idempotence contract.
func TestInvoke_CachedStepNotRerun(t *testing.T) {
	var calls atomic.Int32
	runner := newTestRunner(t, multiSteps(&calls))

	state := newTestState("multiSteps", `"Douglas Adams"`)
	state.Cache["step1"] = flowstate.ValueResult(json.RawMessage(`"from an earlier attempt"`))

	out, err := runner.Invoke(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load())
	assert.JSONEq(t, `"from an earlier attempt"`, string(out.Cache["step1"].Value()))
	assert.True(t, out.Operation.Done)
}

// TestInvoke_EmptyStepResult tests that a nil step result is cached as
// empty and served as the zero value.
func TestInvoke_EmptyStepResult(t *testing.T) {
	var calls atomic.Int32
	var seen []*string
	flow := Define("nullable", func(ctx Context, _ json.RawMessage) (any, error) {
		v, err := Run(ctx, "maybe", func(context.Context) (*string, error) {
			calls.Add(1)
			return nil, nil
		})
		seen = append(seen, v)
		return "ok", err
	})
	runner := newTestRunner(t, flow)

	first, err := runner.Invoke(context.Background(), newTestState("nullable", `{}`))
	require.NoError(t, err)
	assert.True(t, first.Cache["maybe"].IsEmpty())

	// Re-run a copy of the state before it completed.
	again := newTestState("nullable", `{}`)
	again.Cache["maybe"] = first.Cache["maybe"]
	_, err = runner.Invoke(context.Background(), again)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []*string{nil, nil}, seen)
}

// TestInvoke_WaitForBlocksThenResumes tests suspension on an event and the
// resumed attempt.
func TestInvoke_WaitForBlocksThenResumes(t *testing.T) {
	type approval struct {
		Approved bool `json:"approved"`
	}
	var before atomic.Int32
	flow := Define("approve", func(ctx Context, _ json.RawMessage) (any, error) {
		_, err := Run(ctx, "prepare", func(context.Context) (string, error) {
			before.Add(1)
			return "draft", nil
		})
		if err != nil {
			return nil, err
		}
		got, err := WaitFor[approval](ctx, "review", json.RawMessage(`{"type":"object"}`))
		if err != nil {
			return nil, err
		}
		return got.Approved, nil
	})
	runner := newTestRunner(t, flow)

	blocked, err := runner.Invoke(context.Background(), newTestState("approve", `null`))
	require.NoError(t, err)
	assert.False(t, blocked.Operation.Done)
	require.NotNil(t, blocked.BlockedOnStep)
	assert.Equal(t, "review", blocked.BlockedOnStep.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(blocked.BlockedOnStep.Schema))
	assert.Equal(t, flowstate.PhaseBlocked, blocked.Phase())
	require.NotNil(t, blocked.Executions[0].EndTime)

	// What a resume does before invoking again.
	resumed := blocked.Clone()
	resumed.EventsTriggered["review"] = json.RawMessage(`{"approved":true}`)
	resumed.BlockedOnStep = nil

	done, err := runner.Invoke(context.Background(), resumed)
	require.NoError(t, err)

	assert.Equal(t, int32(1), before.Load())
	assert.True(t, done.Operation.Done)
	assert.JSONEq(t, `true`, string(done.Operation.Result.Response))
	assert.JSONEq(t, `{"approved":true}`, string(done.Cache["review"].Value()))
	require.Len(t, done.Executions, 2)
	assert.NotNil(t, done.Executions[1].EndTime)
}

// TestInvoke_StepErrorCaptured tests that step failures end the flow with an
// error result instead of returning an error.
func TestInvoke_StepErrorCaptured(t *testing.T) {
	flow := Define("failing", func(ctx Context, _ json.RawMessage) (any, error) {
		return Run(ctx, "boom", func(context.Context) (int, error) {
			return 0, errors.New("database unreachable")
		})
	})
	runner := newTestRunner(t, flow)

	out, err := runner.Invoke(context.Background(), newTestState("failing", `{}`))
	require.NoError(t, err)

	assert.True(t, out.Operation.Done)
	require.True(t, out.Operation.Result.Failed())
	assert.Contains(t, out.Operation.Result.Error, "step boom: database unreachable")
	assert.NotEmpty(t, out.Operation.Result.Stacktrace)
	assert.NotContains(t, out.Cache, "boom")
}

// TestInvoke_PanicCaptured tests panic recovery.
func TestInvoke_PanicCaptured(t *testing.T) {
	flow := Define("panicky", func(Context, json.RawMessage) (any, error) {
		panic("something went wrong")
	})
	runner := newTestRunner(t, flow)

	out, err := runner.Invoke(context.Background(), newTestState("panicky", `{}`))
	require.NoError(t, err)

	assert.True(t, out.Operation.Done)
	assert.Contains(t, out.Operation.Result.Error, "panicked: something went wrong")
	assert.Contains(t, out.Operation.Result.Stacktrace, "goroutine")
	assert.NotNil(t, out.Executions[0].EndTime)
}

// TestInvoke_UnwrappedInterruptIsFailure tests that ErrInterrupted without a
// WaitFor is not treated as a suspension.
func TestInvoke_UnwrappedInterruptIsFailure(t *testing.T) {
	flow := Define("liar", func(Context, json.RawMessage) (any, error) {
		return nil, ErrInterrupted
	})
	runner := newTestRunner(t, flow)

	out, err := runner.Invoke(context.Background(), newTestState("liar", `{}`))
	require.NoError(t, err)

	assert.True(t, out.Operation.Done)
	assert.Nil(t, out.BlockedOnStep)
}

// TestInvoke_DuplicateStep tests that reusing a step name fails the flow.
func TestInvoke_DuplicateStep(t *testing.T) {
	flow := Define("dupe", func(ctx Context, _ json.RawMessage) (any, error) {
		step := func(context.Context) (int, error) { return 1, nil }
		if _, err := Run(ctx, "same", step); err != nil {
			return nil, err
		}
		_, err := Run(ctx, "same", step)
		assert.True(t, status.Is(err, status.AlreadyExists))
		return nil, err
	})
	runner := newTestRunner(t, flow)

	out, err := runner.Invoke(context.Background(), newTestState("dupe", `{}`))
	require.NoError(t, err)
	assert.Contains(t, out.Operation.Result.Error, `step "same" already used`)
}

// TestInvoke_Errors tests infrastructure errors returned by Invoke.
func TestInvoke_Errors(t *testing.T) {
	runner := newTestRunner(t, multiSteps(nil))

	t.Run("nil state", func(t *testing.T) {
		_, err := runner.Invoke(context.Background(), nil)
		assert.True(t, status.Is(err, status.InvalidArgument))
	})

	t.Run("unknown flow", func(t *testing.T) {
		_, err := runner.Invoke(context.Background(), newTestState("nope", `{}`))
		assert.True(t, status.Is(err, status.NotFound))
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("already done", func(t *testing.T) {
		state := newTestState("multiSteps", `"x"`)
		state.Complete(json.RawMessage(`1`))
		_, err := runner.Invoke(context.Background(), state)
		assert.True(t, status.Is(err, status.FailedPrecondition))
	})
}

// TestInvoke_ClosedExecutionStartsNewAttempt tests that a state whose last
// execution is closed gets a new execution entry.
func TestInvoke_ClosedExecutionStartsNewAttempt(t *testing.T) {
	var attempts []int
	flow := Define("counter", func(ctx Context, _ json.RawMessage) (any, error) {
		attempts = append(attempts, ctx.Attempt())
		return nil, nil
	})
	runner := newTestRunner(t, flow)

	state := newTestState("counter", `{}`)
	state.EndExecution(testNow)

	out, err := runner.Invoke(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, attempts)
	assert.Len(t, out.Executions, 2)
	assert.JSONEq(t, `null`, string(out.Operation.Result.Response))
}

// TestInvoke_PersistsSteps tests that step progress reaches the store.
func TestInvoke_PersistsSteps(t *testing.T) {
	store := flowstate.NewMemoryStore()
	var persisted *flowstate.FlowState
	flow := Define("persist", func(ctx Context, _ json.RawMessage) (any, error) {
		if _, err := Run(ctx, "first", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return nil, err
		}
		var err error
		persisted, err = store.Load(ctx, ctx.FlowID())
		return "done", err
	})
	runner := NewRunner(NewRegistry(flow), WithStore(store), WithClock(fixedClock))

	state := newTestState("persist", `{}`)
	require.NoError(t, store.Save(context.Background(), state.FlowID, state))

	out, err := runner.Invoke(context.Background(), state)
	require.NoError(t, err)
	require.True(t, out.Operation.Done)

	require.NotNil(t, persisted)
	assert.Contains(t, persisted.Cache, "first")
	assert.False(t, persisted.Operation.Done)

	// The final state is left for the caller to commit.
	stored, err := store.Load(context.Background(), state.FlowID)
	require.NoError(t, err)
	assert.False(t, stored.Operation.Done)
}

// TestInvoke_StoreFailureReturned tests that a failed step write is an
// infrastructure error.
func TestInvoke_StoreFailureReturned(t *testing.T) {
	store := flowstate.NewMemoryStore()
	require.NoError(t, store.Close())
	runner := NewRunner(NewRegistry(multiSteps(nil)), WithStore(store))

	_, err := runner.Invoke(context.Background(), newTestState("multiSteps", `"x"`))
	assert.ErrorIs(t, err, flowstate.ErrStoreClosed)
}

// TestRun_OutsideFlow tests the step helpers with a plain context.
func TestRun_OutsideFlow(t *testing.T) {
	_, err := Run(fakeContext{Context: context.Background()}, "x", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrNotInFlow)

	_, err = WaitFor[int](fakeContext{Context: context.Background()}, "x", nil)
	assert.ErrorIs(t, err, ErrNotInFlow)
}

// TestRun_EmptyStepName tests that a step needs a name.
func TestRun_EmptyStepName(t *testing.T) {
	flow := Define("unnamed", func(ctx Context, _ json.RawMessage) (any, error) {
		return Run(ctx, "", func(context.Context) (int, error) { return 1, nil })
	})
	runner := newTestRunner(t, flow)

	out, err := runner.Invoke(context.Background(), newTestState("unnamed", `{}`))
	require.NoError(t, err)
	assert.Contains(t, out.Operation.Result.Error, "step name cannot be empty")
}

// TestContext_Metadata tests the accessors on the flow context.
func TestContext_Metadata(t *testing.T) {
	var got struct {
		id, name string
		attempt  int
		logger   bool
		derived  bool
	}
	flow := Define("meta", func(ctx Context, _ json.RawMessage) (any, error) {
		got.id = ctx.FlowID()
		got.name = ctx.FlowName()
		got.attempt = ctx.Attempt()
		got.logger = ctx.Logger() != nil
		type key struct{}
		_, got.derived = fromContext(context.WithValue(ctx, key{}, 1))
		return nil, nil
	})
	runner := newTestRunner(t, flow)

	_, err := runner.Invoke(context.Background(), newTestState("meta", `{}`))
	require.NoError(t, err)

	assert.Equal(t, "flow-1", got.id)
	assert.Equal(t, "meta", got.name)
	assert.Equal(t, 1, got.attempt)
	assert.True(t, got.logger)
	assert.True(t, got.derived)
}

// fakeContext satisfies Context without being a flow context.
type fakeContext struct {
	context.Context
}

func (fakeContext) Logger() *slog.Logger { return slog.Default() }
func (fakeContext) FlowID() string       { return "" }
func (fakeContext) FlowName() string     { return "" }
func (fakeContext) Attempt() int         { return 0 }

// TestInvoke_LogsDurations tests that step and attempt logs carry the time
// spent running them.
func TestInvoke_LogsDurations(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	flow := DefineTyped("slow", func(ctx Context, _ string) (string, error) {
		return Run(ctx, "nap", func(context.Context) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "rested", nil
		})
	})
	runner := NewRunner(NewRegistry(flow), WithClock(fixedClock), WithLogger(logger))

	_, err := runner.Invoke(context.Background(), newTestState("slow", `""`))
	require.NoError(t, err)

	durations := map[string]float64{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		if d, ok := rec["duration_ms"].(float64); ok {
			durations[rec["msg"].(string)] = d
		}
	}
	assert.GreaterOrEqual(t, durations["step completed"], 20.0)
	assert.GreaterOrEqual(t, durations["flow completed"], durations["step completed"])
}
