package flowstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	FlowID string
	Reason string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("flow %s: %s", e.FlowID, e.Reason)
}

// StatusCode maps transition errors to FAILED_PRECONDITION.
func (e *TransitionError) StatusCode() status.Code {
	return status.FailedPrecondition
}

// Transition validates next against the stored prev and returns the state
// that may be saved.
//
// A terminal prev rejects every write. Identity fields (flowId, name, input,
// startTime) are immutable. Cache and eventsTriggered entries already in
// prev are carried into the result unchanged, so a step that already ran
// keeps its first result. Executions may only grow.
func Transition(prev, next *FlowState) (*FlowState, error) {
	if next == nil {
		return nil, errors.New("next state is nil")
	}
	if prev == nil {
		return next.Clone(), nil
	}

	reject := func(reason string, args ...any) error {
		return &TransitionError{FlowID: prev.FlowID, Reason: fmt.Sprintf(reason, args...)}
	}

	if prev.Operation.Done {
		return nil, reject("already done; terminal states cannot change")
	}
	if next.FlowID != prev.FlowID {
		return nil, reject("flow id changed to %s", next.FlowID)
	}
	if next.Name != prev.Name {
		return nil, reject("flow name changed from %s to %s", prev.Name, next.Name)
	}
	if !prev.StartTime.Equal(next.StartTime) {
		return nil, reject("start time is immutable")
	}
	if !jsonEqual(prev.Input, next.Input) {
		return nil, reject("input is immutable")
	}
	if len(next.Executions) < len(prev.Executions) {
		return nil, reject("executions are append-only (%d < %d)", len(next.Executions), len(prev.Executions))
	}

	out := next.Clone()
	for step, result := range prev.Cache {
		out.Cache[step] = result
	}
	for event, payload := range prev.EventsTriggered {
		out.EventsTriggered[event] = cloneRaw(payload)
	}
	return out, nil
}

// Commit loads the stored state for next.FlowID, applies Transition and
// saves the result. It returns the state that was saved.
func Commit(ctx context.Context, store Store, next *FlowState) (*FlowState, error) {
	prev, err := store.Load(ctx, next.FlowID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, ErrNotFound) {
		prev = nil
	}

	merged, err := Transition(prev, next)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, merged.FlowID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func jsonEqual(a, b []byte) bool {
	if isNull(a) && isNull(b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
