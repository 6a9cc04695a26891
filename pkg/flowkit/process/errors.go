package process

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning indicates Start was called while a process is running.
var ErrAlreadyRunning = errors.New("process already running")

// ExitError reports a child that exited with a non-zero code.
type ExitError struct {
	// Code is the exit code, or -1 when the process died from a signal.
	Code int
	// Err is the underlying *exec.ExitError.
	Err error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Code < 0 && e.Err != nil {
		return fmt.Sprintf("process exited with code %d (%v)", e.Code, e.Err)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExitError) Unwrap() error {
	return e.Err
}
