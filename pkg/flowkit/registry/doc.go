// Package registry provides a generic, concurrency-safe keyed registry.
//
// flowkit keeps flow definitions and live runtimes in registries:
//
//	flows := registry.New[string, *Flow]()
//	if !flows.Add("multiSteps", f) {
//	    // name already taken
//	}
//
// Range iterates over a snapshot, so callbacks may modify the registry.
package registry
