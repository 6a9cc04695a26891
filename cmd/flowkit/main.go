// Command flowkit supervises a flowkit application during development and
// drives its flows from the command line.
//
//	flowkit start -- go run ./examples/multisteps
//	flowkit flow run multiSteps '"Douglas Adams"'
//	flowkit flow resume approval <flowId> '{"approved":true}'
//	flowkit flow state <flowId>
//	flowkit flow list --flow multiSteps
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code: 0 on success, 1
// on any error, which is printed to stderr with its trace pointer and
// stack.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	err := a.command().Run(ctx, args)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		status.Format(stderr, err, a.traceURL)
		return 1
	}
	return 0
}
