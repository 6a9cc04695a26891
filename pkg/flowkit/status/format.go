package status

import (
	"fmt"
	"io"
	"strings"
)

// Format writes err the way the CLI reports failures: the code and message,
// a trace pointer when the error carries a trace id, then the stack.
//
// traceURL turns a trace id into something a user can open. It may be nil,
// in which case the raw trace id is printed.
func Format(w io.Writer, err error, traceURL func(traceID string) string) {
	se := Convert(err)
	if se == nil {
		return
	}

	fmt.Fprintf(w, "%s: %s\n", se.Code, Message(se))

	if se.TraceID != "" {
		pointer := se.TraceID
		if traceURL != nil {
			pointer = traceURL(se.TraceID)
		}
		fmt.Fprintf(w, "trace: %s\n", pointer)
	}

	if stack := strings.TrimSpace(se.Stack); stack != "" {
		fmt.Fprintln(w, stack)
	}
}

// Message returns the human readable part of err without the code prefix.
func Message(err error) string {
	se := Convert(err)
	if se == nil {
		return ""
	}
	switch {
	case se.Err != nil && se.Message != "":
		return fmt.Sprintf("%s: %v", se.Message, se.Err)
	case se.Err != nil:
		return se.Err.Error()
	default:
		return se.Message
	}
}
