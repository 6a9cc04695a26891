package flowkit

import (
	"errors"
	"fmt"
)

// Sentinel errors for flow execution.
var (
	// ErrInterrupted indicates a flow suspended on a step that is waiting
	// for an external event. It is not a failure: the attempt ends with
	// blockedOnStep set and the flow can be resumed.
	ErrInterrupted = errors.New("flow interrupted")

	// ErrNotInFlow indicates a step helper was called with a context that
	// does not belong to a running flow.
	ErrNotInFlow = errors.New("step called outside a flow")

	// ErrFlowNotFound indicates no flow with the requested name is registered.
	ErrFlowNotFound = errors.New("flow not found")
)

// InterruptError reports the step a flow suspended on.
type InterruptError struct {
	// Step is the name of the step waiting for an event.
	Step string
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("flow interrupted at step %s", e.Step)
}

// Unwrap returns ErrInterrupted for errors.Is support.
func (e *InterruptError) Unwrap() error {
	return ErrInterrupted
}

// StepError wraps an error returned by a step with the step name and the
// stack at the point the step failed.
type StepError struct {
	// Step is the name of the step that failed.
	Step string
	// Err is the underlying error from the step.
	Err error
	// Stack is the goroutine stack captured when the step returned.
	Stack string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from flow execution.
// It includes the stack trace for debugging.
type PanicError struct {
	// Flow is the name of the flow that panicked.
	Flow string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("flow %s panicked: %v", e.Flow, e.Value)
}
