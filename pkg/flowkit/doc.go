/*
Package flowkit runs resumable, step-structured flows.

# Overview

A flow is a named function whose work is split into named steps. Every step
result is written to the flow's FlowState cache, so when the flow runs again
(after a crash, or after being resumed with event data) completed steps are
served from the cache instead of running a second time.

Flows can suspend: WaitFor ends the attempt with blockedOnStep set until an
external event with the step's name is delivered through a resume.

# Basic Usage

	multiSteps := flowkit.DefineTyped("multiSteps", func(ctx flowkit.Context, name string) (int, error) {
	    greeting, err := flowkit.Run(ctx, "step1", func(context.Context) (string, error) {
	        return "Hello, " + name + "! step 1", nil
	    })
	    if err != nil {
	        return 0, err
	    }
	    ctx.Logger().Info("greeted", "greeting", greeting)
	    return 42, nil
	})

	runner := flowkit.NewRunner(flowkit.NewRegistry(multiSteps))
	state := flowstate.New(uuid.NewString(), "multiSteps", json.RawMessage(`"Douglas Adams"`), time.Now())
	result, err := runner.Invoke(ctx, state)

# Waiting for Events

	approval, err := flowkit.WaitFor[Approval](ctx, "approve", schema)
	if err != nil {
	    return nil, err // ErrInterrupted suspends the flow
	}

The engine package resumes a blocked flow by recording the event payload in
eventsTriggered and invoking the runner again.

# Outcomes

Runner.Invoke never returns flow failures as errors. A step error or panic
ends the flow with operation.result.error and a stack trace; only
infrastructure problems (unknown flow, terminal state, failed state write)
are returned.

# Step Names

Step names are cache keys and must be unique within one flow execution. Using
the same name twice in an attempt fails with ALREADY_EXISTS.
*/
package flowkit
