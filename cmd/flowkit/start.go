package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/randalmurphal/flowkit/pkg/flowkit/devenv"
	"github.com/randalmurphal/flowkit/pkg/flowkit/process"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
	"github.com/randalmurphal/flowkit/pkg/flowkit/telemetry"
)

func (a *app) startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Run the application in development mode and wait for its runtime",
		ArgsUsage: "-- <command> [args...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "interactive",
				Usage: "Connect the application to this terminal instead of the log",
				Value: true,
			},
		},
		Action: a.runStart,
	}
}

func (a *app) runStart(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return status.New(status.InvalidArgument, "start needs a command to run, e.g. flowkit start -- go run .")
	}

	if a.telemetry == "" {
		srv := telemetry.NewServer(a.logger, 0)
		url, err := srv.Start(ctx, a.settings.TelemetryAddr)
		if err != nil {
			return fmt.Errorf("start telemetry server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.telemetry = url
	}

	runtimes := a.runtimeManager()
	if err := runtimes.Start(ctx); err != nil {
		return err
	}

	env := devenv.Settings{
		Dev:             true,
		TelemetryServer: a.telemetry,
		RuntimesDir:     a.settings.RuntimesDir,
		StateStore:      a.settings.StateStore,
	}
	procs := process.NewManager(
		process.WithLogger(a.logger),
		process.WithKillTimeout(a.settings.KillTimeout),
		process.WithEnv(env.Vars()),
	)

	h, err := procs.Start(ctx, process.StartOptions{
		Command:     args[0],
		Args:        args[1:],
		Interactive: cmd.Bool("interactive"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := procs.Kill(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("stop application", "error", err.Error())
		}
	}()

	rt, err := runtimes.WaitForRuntime(ctx, h.Done(), a.settings.RuntimeTimeout)
	if err != nil {
		return err
	}
	a.logger.Info("runtime ready",
		"runtime_id", rt.ID,
		"url", rt.ReflectionURL,
		"pid", h.PID(),
		"telemetry", a.telemetry,
	)
	fmt.Fprintf(a.stdout, "runtime %s ready at %s\n", rt.ID, rt.ReflectionURL)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case <-h.Done():
		return h.Wait()
	}
}
