package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

func (a *app) flowCommand() *cli.Command {
	return &cli.Command{
		Name:  "flow",
		Usage: "Run and inspect flows",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Dispatch a flow to the running application",
				ArgsUsage: "<flowName> [inputJSON]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait until the flow is done",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Give up waiting after this long (0 waits forever)",
					},
				},
				Action: a.runFlow,
			},
			{
				Name:      "resume",
				Usage:     "Deliver an event to a blocked flow",
				ArgsUsage: "<flowName> <flowId> [eventJSON]",
				Action:    a.resumeFlow,
			},
			{
				Name:      "state",
				Usage:     "Print a stored flow state",
				ArgsUsage: "<flowId>",
				Action:    a.showState,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List stored flow executions, most recent first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "flow", Usage: "Only list executions of this flow"},
					&cli.IntFlag{Name: "limit", Usage: "Page size", Value: 20},
					&cli.StringFlag{Name: "token", Usage: "Continuation token from a previous page"},
					&cli.BoolFlag{Name: "oldest", Usage: "List oldest first"},
				},
				Action: a.listFlows,
			},
		},
	}
}

func (a *app) runFlow(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().Get(0)
	if name == "" {
		return status.New(status.InvalidArgument, "flow name is required")
	}
	input := json.RawMessage(cmd.Args().Get(1))

	d, err := a.flowEngine(ctx)
	if err != nil {
		return err
	}
	if _, err := a.awaitRuntime(ctx); err != nil {
		return err
	}

	state, err := d.Dispatch(ctx, name, input)
	if err != nil {
		return err
	}

	if cmd.Bool("wait") && !state.Operation.Done {
		waitCtx := ctx
		if timeout := cmd.Duration("timeout"); timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		state, err = d.WaitForCompletion(waitCtx, name, state.FlowID)
		if err != nil {
			return err
		}
	}
	return a.report(state)
}

func (a *app) resumeFlow(ctx context.Context, cmd *cli.Command) error {
	name, flowID := cmd.Args().Get(0), cmd.Args().Get(1)
	if name == "" || flowID == "" {
		return status.New(status.InvalidArgument, "flow name and flow id are required")
	}
	event := json.RawMessage(cmd.Args().Get(2))

	d, err := a.flowEngine(ctx)
	if err != nil {
		return err
	}
	// Preconditions are checked against the store before any runtime is
	// needed.
	prev, err := d.State(ctx, flowID)
	if err != nil {
		return err
	}
	if !prev.Operation.Done && prev.BlockedOnStep != nil {
		if _, err := a.awaitRuntime(ctx); err != nil {
			return err
		}
	}

	state, err := d.Resume(ctx, name, flowID, event)
	if err != nil {
		return err
	}
	return a.report(state)
}

func (a *app) showState(ctx context.Context, cmd *cli.Command) error {
	flowID := cmd.Args().Get(0)
	if flowID == "" {
		return status.New(status.InvalidArgument, "flow id is required")
	}
	d, err := a.flowEngine(ctx)
	if err != nil {
		return err
	}
	state, err := d.State(ctx, flowID)
	if err != nil {
		return err
	}
	return a.printState(state)
}

func (a *app) listFlows(ctx context.Context, cmd *cli.Command) error {
	d, err := a.flowEngine(ctx)
	if err != nil {
		return err
	}
	resp, err := d.List(ctx, &flowstate.Query{
		FlowName:          cmd.String("flow"),
		Limit:             int(cmd.Int("limit")),
		ContinuationToken: cmd.String("token"),
		Oldest:            cmd.Bool("oldest"),
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW ID\tNAME\tPHASE\tSTARTED\tATTEMPTS")
	for _, s := range resp.FlowStates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			s.FlowID, s.Name, s.Phase(), s.StartTime.Local().Format(time.DateTime), len(s.Executions))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if resp.ContinuationToken != "" {
		fmt.Fprintf(a.stdout, "\nnext page: --token %s\n", resp.ContinuationToken)
	}
	return nil
}

// report prints state and turns a failed flow into a command error carrying
// the flow's stack and trace id.
func (a *app) report(state *flowstate.FlowState) error {
	if err := a.printState(state); err != nil {
		return err
	}
	if state.Operation.Done && state.Operation.Result.Failed() {
		return flowError(state)
	}
	if state.BlockedOnStep != nil {
		a.logger.Info("flow is waiting for an event",
			"flow_id", state.FlowID,
			"step", state.BlockedOnStep.Name,
		)
	}
	return nil
}

func (a *app) printState(state *flowstate.FlowState) error {
	data, err := state.Marshal()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = a.stdout.Write(buf.Bytes())
	return err
}

// flowError rebuilds a status error from a failed flow result. Results
// recorded from status errors start with the code name.
func flowError(state *flowstate.FlowState) *status.Error {
	res := state.Operation.Result
	code, msg := status.Unknown, res.Error
	if name, rest, ok := strings.Cut(res.Error, ": "); ok {
		if parsed, ok := status.ParseCode(name); ok && parsed != status.OK {
			code, msg = parsed, rest
		}
	}

	se := status.Errorf(code, "flow %s failed: %s", state.FlowID, msg).WithStack(res.Stacktrace)
	if exec := state.CurrentExecution(); exec != nil && len(exec.TraceIDs) > 0 {
		se = se.WithTrace(exec.TraceIDs[len(exec.TraceIDs)-1])
	}
	return se
}
