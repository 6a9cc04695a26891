package flowstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// FlowState is the persisted record of one flow execution.
//
// Cache and EventsTriggered are append-only; Executions is append-only and
// time ordered. Once Operation.Done is true the record is terminal.
type FlowState struct {
	FlowID          string                     `json:"flowId"`
	Name            string                     `json:"name"`
	StartTime       time.Time                  `json:"startTime"`
	Input           json.RawMessage            `json:"input,omitempty"`
	Cache           map[string]StepResult      `json:"cache"`
	EventsTriggered map[string]json.RawMessage `json:"eventsTriggered"`
	Executions      []Execution                `json:"executions"`
	BlockedOnStep   *BlockedOnStep             `json:"blockedOnStep"`
	Operation       Operation                  `json:"operation"`
	TraceContext    string                     `json:"traceContext,omitempty"`
}

// Execution is one dispatch or resume attempt. EndTime is nil while the
// attempt is in flight.
type Execution struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	TraceIDs  []string   `json:"traceIds"`
}

// BlockedOnStep names the step a suspended flow is waiting on.
type BlockedOnStep struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Operation reports the progress of a flow execution.
type Operation struct {
	Name     string           `json:"name"`
	Done     bool             `json:"done"`
	Metadata json.RawMessage  `json:"metadata,omitempty"`
	Result   *OperationResult `json:"result,omitempty"`
}

// OperationResult is either a response or an error with its stack trace.
type OperationResult struct {
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	Stacktrace string          `json:"stacktrace,omitempty"`
}

// Failed reports whether the result carries an error.
func (r *OperationResult) Failed() bool {
	return r != nil && r.Error != ""
}

// Phase is the state-machine position derived from a FlowState.
type Phase string

// Flow phases.
const (
	PhaseNew     Phase = "new"
	PhaseRunning Phase = "running"
	PhaseBlocked Phase = "blocked"
	PhaseDone    Phase = "done"
)

// New creates the initial record for a first dispatch. The state has one
// open execution and is RUNNING.
func New(flowID, name string, input json.RawMessage, now time.Time) *FlowState {
	now = now.UTC()
	return &FlowState{
		FlowID:          flowID,
		Name:            name,
		StartTime:       now,
		Input:           input,
		Cache:           make(map[string]StepResult),
		EventsTriggered: make(map[string]json.RawMessage),
		Executions:      []Execution{{StartTime: now, TraceIDs: []string{}}},
		Operation:       Operation{Name: flowID},
	}
}

// Phase returns the current state-machine position.
func (s *FlowState) Phase() Phase {
	switch {
	case s.Operation.Done:
		return PhaseDone
	case s.BlockedOnStep != nil:
		return PhaseBlocked
	case len(s.Executions) == 0:
		return PhaseNew
	default:
		return PhaseRunning
	}
}

// Clone returns a deep copy of the state.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Input = cloneRaw(s.Input)

	c.Cache = make(map[string]StepResult, len(s.Cache))
	for k, v := range s.Cache {
		c.Cache[k] = StepResult{empty: v.empty, value: cloneRaw(v.value)}
	}

	c.EventsTriggered = make(map[string]json.RawMessage, len(s.EventsTriggered))
	for k, v := range s.EventsTriggered {
		c.EventsTriggered[k] = cloneRaw(v)
	}

	c.Executions = make([]Execution, len(s.Executions))
	for i, e := range s.Executions {
		ce := Execution{StartTime: e.StartTime, TraceIDs: append([]string{}, e.TraceIDs...)}
		if e.EndTime != nil {
			end := *e.EndTime
			ce.EndTime = &end
		}
		c.Executions[i] = ce
	}

	if s.BlockedOnStep != nil {
		b := BlockedOnStep{Name: s.BlockedOnStep.Name, Schema: cloneRaw(s.BlockedOnStep.Schema)}
		c.BlockedOnStep = &b
	}

	c.Operation.Metadata = cloneRaw(s.Operation.Metadata)
	if s.Operation.Result != nil {
		r := *s.Operation.Result
		r.Response = cloneRaw(r.Response)
		c.Operation.Result = &r
	}
	return &c
}

// CurrentExecution returns the most recent execution entry, or nil.
func (s *FlowState) CurrentExecution() *Execution {
	if len(s.Executions) == 0 {
		return nil
	}
	return &s.Executions[len(s.Executions)-1]
}

// BeginExecution appends a new open execution entry.
func (s *FlowState) BeginExecution(now time.Time) {
	s.Executions = append(s.Executions, Execution{StartTime: now.UTC(), TraceIDs: []string{}})
}

// EndExecution closes the current execution entry if it is still open.
func (s *FlowState) EndExecution(now time.Time) {
	exec := s.CurrentExecution()
	if exec == nil || exec.EndTime != nil {
		return
	}
	end := now.UTC()
	exec.EndTime = &end
}

// AddTraceID records a trace id on the current execution.
func (s *FlowState) AddTraceID(traceID string) {
	exec := s.CurrentExecution()
	if exec == nil || traceID == "" {
		return
	}
	for _, id := range exec.TraceIDs {
		if id == traceID {
			return
		}
	}
	exec.TraceIDs = append(exec.TraceIDs, traceID)
}

// Block suspends the flow on the named step.
func (s *FlowState) Block(step string, schema json.RawMessage) {
	s.BlockedOnStep = &BlockedOnStep{Name: step, Schema: schema}
}

// Complete marks the flow as successfully finished.
func (s *FlowState) Complete(response json.RawMessage) {
	s.BlockedOnStep = nil
	s.Operation.Done = true
	s.Operation.Result = &OperationResult{Response: response}
}

// Fail marks the flow as finished with an error.
func (s *FlowState) Fail(err error, stack string) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.BlockedOnStep = nil
	s.Operation.Done = true
	s.Operation.Result = &OperationResult{Error: msg, Stacktrace: stack}
}

// HasStep reports whether the step already ran.
func (s *FlowState) HasStep(step string) bool {
	_, ok := s.Cache[step]
	return ok
}

// StepResult is a cached step outcome: either {"empty":true} for a step that
// ran and produced nothing, or {"value":...}.
type StepResult struct {
	empty bool
	value json.RawMessage
}

// EmptyResult returns the "ran, produced no value" variant.
func EmptyResult() StepResult {
	return StepResult{empty: true}
}

// ValueResult returns the value variant. A nil or JSON null value collapses
// to EmptyResult.
func ValueResult(v json.RawMessage) StepResult {
	if isNull(v) {
		return EmptyResult()
	}
	return StepResult{value: cloneRaw(v)}
}

// IsEmpty reports whether the step produced no value.
func (r StepResult) IsEmpty() bool {
	return r.empty
}

// Value returns the cached value, or nil for the empty variant.
func (r StepResult) Value() json.RawMessage {
	return r.value
}

// Equal reports whether two results hold the same variant and bytes.
func (r StepResult) Equal(o StepResult) bool {
	return r.empty == o.empty && bytes.Equal(r.value, o.value)
}

type stepResultJSON struct {
	Empty bool            `json:"empty,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r StepResult) MarshalJSON() ([]byte, error) {
	if r.empty || r.value == nil {
		return []byte(`{"empty":true}`), nil
	}
	return json.Marshal(stepResultJSON{Value: r.value})
}

// ErrInvalidStepResult indicates a cache entry that claims both variants.
var ErrInvalidStepResult = errors.New("step result cannot be both empty and a value")

// UnmarshalJSON implements json.Unmarshaler.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	var raw stepResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// An entry without a value, such as {}, is empty.
	switch {
	case isNull(raw.Value):
		*r = EmptyResult()
	case !raw.Empty:
		*r = ValueResult(raw.Value)
	default:
		return ErrInvalidStepResult
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage{}, v...)
}

// Marshal serializes a state to JSON.
func (s *FlowState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal deserializes a state from JSON and fills nil maps.
func Unmarshal(data []byte) (*FlowState, error) {
	var s FlowState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Cache == nil {
		s.Cache = make(map[string]StepResult)
	}
	if s.EventsTriggered == nil {
		s.EventsTriggered = make(map[string]json.RawMessage)
	}
	return &s, nil
}
