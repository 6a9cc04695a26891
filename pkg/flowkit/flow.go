package flowkit

import (
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/flowkit/pkg/flowkit/registry"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// Func is the body of a flow. input is the flow's original invocation input.
// The returned value becomes operation.result.response.
type Func func(ctx Context, input json.RawMessage) (any, error)

// Flow is a named, step-structured unit of application logic.
type Flow struct {
	name string
	fn   Func
}

// Define creates a flow from a function working on raw JSON input.
func Define(name string, fn Func) *Flow {
	return &Flow{name: name, fn: fn}
}

// DefineTyped creates a flow whose input is decoded into In before fn runs.
//
// Example:
//
//	greet := flowkit.DefineTyped("greet", func(ctx flowkit.Context, name string) (string, error) {
//	    return "Hello, " + name, nil
//	})
func DefineTyped[In, Out any](name string, fn func(ctx Context, input In) (Out, error)) *Flow {
	return Define(name, func(ctx Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, status.Wrap(err, status.InvalidArgument, fmt.Sprintf("decode input of flow %s", name))
			}
		}
		return fn(ctx, in)
	})
}

// Name returns the flow name.
func (f *Flow) Name() string {
	return f.name
}

// Registry holds the flows a runtime can execute.
type Registry struct {
	flows *registry.Registry[string, *Flow]
}

// NewRegistry creates a registry containing the given flows.
// It panics on a duplicate name, the way http.ServeMux panics on a
// duplicate pattern; use Register to handle the error.
func NewRegistry(flows ...*Flow) *Registry {
	r := &Registry{flows: registry.New[string, *Flow]()}
	if err := r.Register(flows...); err != nil {
		panic(err)
	}
	return r
}

// Register adds flows. A name that is already registered yields an
// ALREADY_EXISTS error and leaves the earlier flow in place.
func (r *Registry) Register(flows ...*Flow) error {
	for _, f := range flows {
		if f == nil || f.name == "" {
			return status.New(status.InvalidArgument, "flow must have a name")
		}
		if !r.flows.Add(f.name, f) {
			return status.Errorf(status.AlreadyExists, "flow %q already registered", f.name)
		}
	}
	return nil
}

// Lookup returns the flow registered under name.
func (r *Registry) Lookup(name string) (*Flow, bool) {
	return r.flows.Get(name)
}

// Names returns registered flow names in ascending order.
func (r *Registry) Names() []string {
	return registry.SortedKeys(r.flows)
}
