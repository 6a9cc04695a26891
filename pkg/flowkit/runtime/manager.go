// Package runtime tracks the runtimes the user's application registers and
// routes flow invocations to them.
//
// Runtimes announce themselves by writing a registration file into the
// runtimes directory. The Manager watches that directory, health-checks new
// registrations, and publishes ADD and REMOVE events. WaitForRuntime lets a
// supervisor block until the application it started is ready, without
// polling.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/registry"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// DefaultRuntimeTimeout is how long WaitForRuntime waits when no timeout is
// given.
const DefaultRuntimeTimeout = 30 * time.Second

// DefaultHealthInterval is how often registered runtimes are re-checked.
const DefaultHealthInterval = 5 * time.Second

// Sentinel errors for runtime readiness and routing.
var (
	// ErrRuntimeTimeout indicates no runtime registered in time.
	ErrRuntimeTimeout = errors.New("timed out waiting for runtime")

	// ErrProcessExited indicates the supervised process exited before a
	// runtime registered.
	ErrProcessExited = errors.New("process exited before runtime was ready")

	// ErrNoRuntime indicates there is no runtime to route an invocation to.
	ErrNoRuntime = errors.New("no runtime registered")
)

// Manager is the registry of live runtimes.
type Manager struct {
	runtimes *registry.Registry[string, Runtime]
	events   *bus
	client   *Client
	logger   *slog.Logger

	dir            string
	healthInterval time.Duration
	probe          probeConfig

	// files maps a registration file path to the runtime id it
	// registered, so removals can be resolved.
	filesMu sync.Mutex
	files   map[string]string

	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewManager creates a manager. Call Start to begin discovery.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		runtimes:       registry.New[string, Runtime](),
		events:         newBus(),
		client:         NewClient(DefaultClientTimeout),
		logger:         slog.Default(),
		healthInterval: DefaultHealthInterval,
		probe:          defaultProbeConfig(),
		files:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.WithComponent(m.logger, "runtime")
	return m
}

// Client returns the reflection client used for health checks and routing.
func (m *Manager) Client() *Client {
	return m.client
}

// Start begins discovery in the runtimes directory: existing registrations
// are loaded, the directory is watched, and the health loop starts. Without
// a directory Start only runs the health loop; runtimes can still be added
// with Register.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		err = m.start(ctx)
	})
	return err
}

func (m *Manager) start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if m.dir != "" {
		if err := m.watch(ctx); err != nil {
			m.cancel()
			return err
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthLoop(ctx)
	}()
	return nil
}

// Close stops discovery and waits for background work to finish.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.watcher != nil {
			err = m.watcher.Close()
		}
		m.wg.Wait()
	})
	return err
}

// Register adds or updates a runtime. An ADD event is published unless the
// registration is unchanged.
func (m *Manager) Register(rt Runtime) {
	if old, ok := m.runtimes.Get(rt.ID); ok && sameRuntime(old, rt) {
		return
	}
	m.runtimes.Put(rt.ID, rt)
	m.logger.Info("runtime registered", "runtime_id", rt.ID, "url", rt.ReflectionURL, "pid", rt.PID)
	m.events.emit(Event{Type: EventAdd, Runtime: rt})
}

// Unregister removes a runtime and publishes a REMOVE event. It reports
// whether the runtime was registered.
func (m *Manager) Unregister(id string) bool {
	rt, ok := m.runtimes.Remove(id)
	if !ok {
		return false
	}
	m.logger.Info("runtime unregistered", "runtime_id", id)
	m.events.emit(Event{Type: EventRemove, Runtime: rt})
	return true
}

// ListRuntimes returns a snapshot of registered runtimes, oldest first.
func (m *Manager) ListRuntimes() []Runtime {
	out := m.runtimes.Values()
	sort.Slice(out, func(i, j int) bool { return registeredBefore(out[i], out[j]) })
	return out
}

// Runtime returns the runtime registered under id.
func (m *Manager) Runtime(id string) (Runtime, bool) {
	return m.runtimes.Get(id)
}

// latest returns the most recently registered runtime.
func (m *Manager) latest() (Runtime, bool) {
	if m.runtimes.Len() == 0 {
		return Runtime{}, false
	}
	var newest Runtime
	found := false
	m.runtimes.Range(func(_ string, rt Runtime) bool {
		if !found || registeredBefore(newest, rt) {
			newest, found = rt, true
		}
		return true
	})
	return newest, found
}

// registeredBefore orders runtimes by registration time, then by id.
func registeredBefore(a, b Runtime) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// OnRuntimeEvent registers fn for ADD and REMOVE events. The returned
// function unsubscribes; it may be called more than once, including from
// inside fn.
func (m *Manager) OnRuntimeEvent(fn func(Event)) (unsubscribe func()) {
	return m.events.add(fn)
}

// Subscribe returns a channel receiving runtime events and a function that
// unsubscribes and closes the channel. Events that do not fit in the
// buffer are dropped.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	remove := m.events.add(sub.deliver)
	return sub.ch, func() {
		remove()
		sub.close()
	}
}

// ListenerCount returns the number of active event listeners.
func (m *Manager) ListenerCount() int {
	return m.events.count()
}

// WaitForRuntime blocks until a runtime is registered and returns it.
//
// It returns immediately when a runtime is already present. Otherwise the
// first of these decides the result:
//   - a runtime is registered: the runtime
//   - timeout elapses (DefaultRuntimeTimeout when zero): ErrRuntimeTimeout
//   - exited is closed: ErrProcessExited
//   - ctx is done: ctx.Err()
//
// A nil exited channel means there is no process to watch. The event
// subscription and the timer are released before WaitForRuntime returns.
func (m *Manager) WaitForRuntime(ctx context.Context, exited <-chan struct{}, timeout time.Duration) (Runtime, error) {
	if timeout <= 0 {
		timeout = DefaultRuntimeTimeout
	}
	if rt, ok := m.latest(); ok {
		return rt, nil
	}

	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	// A runtime may have registered between the first check and Subscribe.
	if rt, ok := m.latest(); ok {
		return rt, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Runtime{}, status.New(status.Internal, "runtime subscription closed")
			}
			if ev.Type == EventAdd {
				return ev.Runtime, nil
			}
			if rt, ok := m.latest(); ok {
				return rt, nil
			}
		case <-timer.C:
			return Runtime{}, status.Wrap(ErrRuntimeTimeout, status.DeadlineExceeded, fmt.Sprintf("no runtime after %s", timeout))
		case <-exited:
			return Runtime{}, status.Wrap(ErrProcessExited, status.Aborted, "")
		case <-ctx.Done():
			return Runtime{}, status.Wrap(ctx.Err(), status.CodeOf(ctx.Err()), "wait for runtime")
		}
	}
}

// Invoke routes one flow attempt to the most recently registered runtime.
// It implements engine.Invoker.
func (m *Manager) Invoke(ctx context.Context, state *flowstate.FlowState) (*flowstate.FlowState, error) {
	rt, ok := m.latest()
	if !ok {
		return nil, status.Wrap(ErrNoRuntime, status.Unavailable, fmt.Sprintf("cannot run flow %s", state.Name))
	}
	m.logger.Debug("routing flow", "flow_id", state.FlowID, "flow_name", state.Name, "runtime_id", rt.ID)
	return m.client.RunFlow(ctx, rt, state)
}

func sameRuntime(a, b Runtime) bool {
	return a.ID == b.ID &&
		a.PID == b.PID &&
		a.ReflectionURL == b.ReflectionURL &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.ProjectName == b.ProjectName &&
		a.Version == b.Version
}
