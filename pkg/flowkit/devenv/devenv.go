// Package devenv names the environment variables the supervisor injects
// into the user's application and the application reads back.
package devenv

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables shared by the supervisor and the child process.
const (
	// EnvMode is set to ModeDev for processes started by the supervisor.
	EnvMode = "FLOWKIT_ENV"

	// EnvTelemetryServer is the base URL of the trace ingest server.
	EnvTelemetryServer = "FLOWKIT_TELEMETRY_SERVER"

	// EnvRuntimesDir is the directory runtimes write their registration
	// file to.
	EnvRuntimesDir = "FLOWKIT_RUNTIMES_DIR"

	// EnvReflectionAddr overrides the listen address of a runtime's
	// reflection server. Empty means an ephemeral localhost port.
	EnvReflectionAddr = "FLOWKIT_REFLECTION_ADDR"

	// EnvStateStore is the flow state store location shared by the
	// supervisor and its runtimes.
	EnvStateStore = "FLOWKIT_STATE_STORE"
)

// ModeDev is the EnvMode value for development runs.
const ModeDev = "dev"

// Settings is the environment a runtime reads at startup.
type Settings struct {
	Dev             bool
	TelemetryServer string
	RuntimesDir     string
	ReflectionAddr  string
	StateStore      string
}

// FromEnv reads Settings from the process environment.
func FromEnv() Settings {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads Settings through lookup, which has the signature of
// os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) Settings {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	return Settings{
		Dev:             get(EnvMode) == ModeDev,
		TelemetryServer: strings.TrimRight(get(EnvTelemetryServer), "/"),
		RuntimesDir:     get(EnvRuntimesDir),
		ReflectionAddr:  get(EnvReflectionAddr),
		StateStore:      get(EnvStateStore),
	}
}

// Vars returns the variables to inject into a child process. Empty values
// are left out so the child's own environment can supply them.
func (s Settings) Vars() map[string]string {
	vars := map[string]string{}
	if s.Dev {
		vars[EnvMode] = ModeDev
	}
	set := func(key, value string) {
		if value != "" {
			vars[key] = value
		}
	}
	set(EnvTelemetryServer, s.TelemetryServer)
	if s.RuntimesDir != "" {
		if abs, err := filepath.Abs(s.RuntimesDir); err == nil {
			set(EnvRuntimesDir, abs)
		} else {
			set(EnvRuntimesDir, s.RuntimesDir)
		}
	}
	set(EnvReflectionAddr, s.ReflectionAddr)
	set(EnvStateStore, s.StateStore)
	return vars
}

// Merge layers override maps onto base, an os.Environ style list, and
// returns a new list. Later maps win. Output is sorted by key so the result
// is deterministic.
func Merge(base []string, overrides ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[key] = value
	}
	for _, o := range overrides {
		for k, v := range o {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
