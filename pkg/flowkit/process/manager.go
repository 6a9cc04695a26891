// Package process supervises the user's application: one child process per
// Manager, started, killed and restarted on demand.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/flowkit/pkg/flowkit/devenv"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// DefaultKillTimeout is how long Kill waits after the termination signal
// before killing the process group outright.
const DefaultKillTimeout = 5 * time.Second

// State is the lifecycle position of the managed process.
type State string

// Lifecycle states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Status is the coarse view reported to callers: "stopped" or "running".
type Status struct {
	Status string `json:"status"`
}

// StartOptions describes the process to run.
type StartOptions struct {
	Command string
	Args    []string
	Dir     string

	// Env is layered over the parent environment and the manager's
	// injected variables.
	Env map[string]string

	// Interactive connects the child to this process's stdio. Otherwise
	// output goes to Stdout/Stderr when set, and to the logger line by
	// line when not.
	Interactive bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// Handle is one spawned process. A Manager replaces its handle on every
// start; handles are never reused.
type Handle struct {
	Command string
	Args    []string
	Env     []string

	cmd  *exec.Cmd
	done chan struct{}
	err  error

	// Guarded by the Manager's mu. killed is only set while exited is
	// false, so it means our signal reached a live process.
	killed bool
	exited bool
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits. It returns nil for a clean exit or
// a Kill, and an *ExitError for a non-zero exit.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Manager owns the lifecycle of a single child process.
type Manager struct {
	logger      *slog.Logger
	killTimeout time.Duration
	inject      map[string]string

	// ops serializes Start, Kill and Restart so a restart never overlaps
	// two children.
	ops sync.Mutex

	mu     sync.Mutex
	state  State
	handle *Handle
}

// NewManager creates a stopped manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:      slog.Default(),
		killTimeout: DefaultKillTimeout,
		inject:      map[string]string{},
		state:       StateStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.WithComponent(m.logger, "process")
	return m
}

// Start spawns the process and returns once it is running. Use the handle
// (or Run) to wait for its exit.
//
// Start fails with ErrAlreadyRunning (FAILED_PRECONDITION) when a process
// is already running, and with the spawn error when the command cannot be
// started.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.start(ctx, opts)
}

// Run starts the process and blocks until it exits. Cancelling ctx kills
// the process and returns ctx.Err().
func (m *Manager) Run(ctx context.Context, opts StartOptions) error {
	h, err := m.Start(ctx, opts)
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
		return h.Wait()
	case <-ctx.Done():
		if err := m.Kill(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("kill after cancellation failed", "error", err.Error())
		}
		<-h.Done()
		return ctx.Err()
	}
}

// Kill stops the running process and waits for it to exit. Killing a
// stopped manager is a no-op.
//
// The process group gets SIGTERM, then SIGKILL once the kill timeout passes
// or ctx is done. Kill still waits for the exit after SIGKILL.
func (m *Manager) Kill(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.kill(ctx)
}

// Restart kills the current process, if any, and starts a new one.
func (m *Manager) Restart(ctx context.Context, opts StartOptions) (*Handle, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	if err := m.kill(ctx); err != nil {
		return nil, err
	}
	return m.start(ctx, opts)
}

// Status reports the last known state, collapsed to stopped or running.
func (m *Manager) Status() Status {
	if m.State() == StateStopped {
		return Status{Status: string(StateStopped)}
	}
	return Status{Status: string(StateRunning)}
}

// State reports the last known lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the current handle, or nil before the first start.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Exited returns a channel closed when the current process exits. With no
// process it returns a closed channel.
func (m *Manager) Exited() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil || m.state == StateStopped {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.handle.done
}

func (m *Manager) start(ctx context.Context, opts StartOptions) (*Handle, error) {
	if opts.Command == "" {
		return nil, status.New(status.InvalidArgument, "command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil, status.Wrap(ErrAlreadyRunning, status.FailedPrecondition, opts.Command)
	}
	m.state = StateStarting
	m.mu.Unlock()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = devenv.Merge(os.Environ(), m.inject, opts.Env)
	cmd.WaitDelay = m.killTimeout
	setProcAttr(cmd)

	var flush []*logWriter
	switch {
	case opts.Interactive:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	default:
		cmd.Stdout, flush = m.output(opts.Stdout, "stdout", flush)
		cmd.Stderr, flush = m.output(opts.Stderr, "stderr", flush)
	}

	if err := cmd.Start(); err != nil {
		m.setState(StateStopped)
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	h := &Handle{
		Command: opts.Command,
		Args:    append([]string(nil), opts.Args...),
		Env:     cmd.Env,
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.handle = h
	m.state = StateRunning
	m.mu.Unlock()

	m.logger.Info("process started", "command", opts.Command, "args", opts.Args, "pid", h.PID())
	go m.wait(h, flush)
	return h, nil
}

func (m *Manager) output(w io.Writer, stream string, flush []*logWriter) (io.Writer, []*logWriter) {
	if w != nil {
		return w, flush
	}
	lw := newLogWriter(m.logger, stream)
	return lw, append(flush, lw)
}

func (m *Manager) wait(h *Handle, flush []*logWriter) {
	err := h.cmd.Wait()

	m.mu.Lock()
	h.exited = true
	killed := h.killed
	if m.handle == h {
		m.state = StateStopped
	}
	m.mu.Unlock()

	for _, lw := range flush {
		lw.Flush()
	}
	h.err = exitResult(err, killed)

	if h.err != nil {
		m.logger.Warn("process exited", "pid", h.PID(), "error", h.err.Error())
	} else {
		m.logger.Info("process exited", "pid", h.PID(), "killed", killed)
	}
	close(h.done)
}

func (m *Manager) kill(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	if h == nil || h.exited {
		m.mu.Unlock()
		if h != nil {
			<-h.done
		}
		return nil
	}
	m.state = StateStopping
	h.killed = true
	err := terminate(h.cmd.Process)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("terminate failed", "pid", h.PID(), "error", err.Error())
	}

	timer := time.NewTimer(m.killTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		m.logger.Warn("process did not exit, killing", "pid", h.PID(), "timeout", m.killTimeout)
	case <-ctx.Done():
	}

	m.mu.Lock()
	var killErr error
	if !h.exited {
		killErr = forceKill(h.cmd.Process)
	}
	m.mu.Unlock()
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", h.PID(), killErr)
	}
	<-h.done
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// exitResult maps the result of cmd.Wait to what Handle.Wait reports.
func exitResult(err error, killed bool) error {
	if err == nil || killed {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Err: err}
	}
	return err
}
