package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/randalmurphal/flowkit/pkg/flowkit/config"
	"github.com/randalmurphal/flowkit/pkg/flowkit/devenv"
	"github.com/randalmurphal/flowkit/pkg/flowkit/engine"
	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/runtime"
	"github.com/randalmurphal/flowkit/pkg/flowkit/telemetry"
)

// app holds everything a command needs. It is built once per invocation
// and its parts are created on first use, so commands that only read the
// store never start runtime discovery.
type app struct {
	stdout io.Writer
	stderr io.Writer

	settings  config.Settings
	logger    *slog.Logger
	telemetry string

	// prevDefault is restored as the slog default on close.
	prevDefault *slog.Logger

	store      flowstate.Store
	runtimes   *runtime.Manager
	dispatcher *engine.Dispatcher
	stopTrace  func(context.Context) error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
	}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:                  "flowkit",
		Usage:                 "Develop and run resumable flows",
		EnableShellCompletion: true,
		Writer:                a.stdout,
		ErrWriter:             a.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON settings file (default: flowkit.yaml in the working directory)",
				Sources: cli.EnvVars("FLOWKIT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "state-store",
				Usage:   "Flow state store (memory:, file://dir, sqlite://path, redis://host:port/db)",
				Sources: cli.EnvVars(devenv.EnvStateStore),
			},
			&cli.StringFlag{
				Name:    "runtimes-dir",
				Usage:   "Directory runtimes register in",
				Sources: cli.EnvVars(devenv.EnvRuntimesDir),
			},
			&cli.StringFlag{
				Name:    "telemetry-server",
				Usage:   "URL of an existing telemetry server",
				Sources: cli.EnvVars(devenv.EnvTelemetryServer),
			},
			&cli.StringFlag{
				Name:  "telemetry-addr",
				Usage: "Listen address of the embedded telemetry server",
			},
			&cli.DurationFlag{
				Name:  "runtime-timeout",
				Usage: "How long to wait for a runtime to register",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to reload a flow state while waiting",
			},
			&cli.DurationFlag{
				Name:  "kill-timeout",
				Usage: "Grace period between SIGTERM and SIGKILL",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("FLOWKIT_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("FLOWKIT_LOG_FORMAT"),
			},
		},
		Before: a.before,
		Commands: []*cli.Command{
			a.startCommand(),
			a.flowCommand(),
		},
	}
}

// before loads settings and the logger. Heavier parts are created lazily.
func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return ctx, err
	}
	prev := slog.Default()
	logger, err := observability.SetupLogger(a.stderr, settings.LogLevel, settings.LogFormat)
	if err != nil {
		return ctx, err
	}
	a.prevDefault = prev

	a.settings = settings
	a.logger = logger
	a.telemetry = settings.TelemetryServer
	return ctx, nil
}

// flagKeys maps string flags to setting keys.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"state-store", config.KeyStateStore},
	{"runtimes-dir", config.KeyRuntimesDir},
	{"telemetry-server", config.KeyTelemetryServer},
	{"telemetry-addr", config.KeyTelemetryAddr},
	{"log-level", config.KeyLogLevel},
	{"log-format", config.KeyLogFormat},
}

// durationKeys maps duration flags to setting keys.
var durationKeys = []struct {
	flag string
	key  string
}{
	{"runtime-timeout", config.KeyRuntimeTimeout},
	{"poll-interval", config.KeyPollInterval},
	{"kill-timeout", config.KeyKillTimeout},
}

// loadSettings layers flags and their environment sources over the
// settings file and the defaults.
func loadSettings(cmd *cli.Command) (config.Settings, error) {
	cfg := config.New(nil)
	path := cmd.String("config")
	if path == "" {
		path, _ = config.Discover(".")
	}
	if path != "" {
		var err error
		cfg, err = config.FromFile(path)
		if err != nil {
			return config.Settings{}, err
		}
	}
	for _, f := range flagKeys {
		if cmd.IsSet(f.flag) {
			cfg = cfg.With(f.key, cmd.String(f.flag))
		}
	}
	for _, f := range durationKeys {
		if cmd.IsSet(f.flag) {
			cfg = cfg.With(f.key, cmd.Duration(f.flag))
		}
	}

	settings := config.FromConfig(cfg)
	if err := settings.Validate(); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}

func (a *app) openStore(ctx context.Context) (flowstate.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := flowstate.Open(ctx, a.settings.StateStore)
	if err != nil {
		return nil, fmt.Errorf("open flow state store: %w", err)
	}
	a.store = store
	return store, nil
}

func (a *app) runtimeManager() *runtime.Manager {
	if a.runtimes == nil {
		a.runtimes = runtime.NewManager(
			runtime.WithLogger(a.logger),
			runtime.WithRuntimesDir(a.settings.RuntimesDir),
			runtime.WithHealthInterval(a.settings.HealthInterval),
		)
	}
	return a.runtimes
}

// flowEngine returns the dispatcher, routing attempts to discovered runtimes.
func (a *app) flowEngine(ctx context.Context) (*engine.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if a.telemetry != "" && a.stopTrace == nil {
		stop, err := telemetry.Setup(ctx, a.telemetry)
		if err != nil {
			return nil, err
		}
		a.stopTrace = stop
	}

	a.dispatcher = engine.New(store, a.runtimeManager(),
		engine.WithLogger(a.logger),
		engine.WithPollInterval(a.settings.PollInterval),
		engine.WithTracing(),
	)
	return a.dispatcher, nil
}

// awaitRuntime starts discovery and waits for the first runtime.
func (a *app) awaitRuntime(ctx context.Context) (runtime.Runtime, error) {
	m := a.runtimeManager()
	if err := m.Start(ctx); err != nil {
		return runtime.Runtime{}, err
	}
	return m.WaitForRuntime(ctx, nil, a.settings.RuntimeTimeout)
}

// traceURL renders a trace pointer for status.Format.
func (a *app) traceURL(traceID string) string {
	if a.telemetry == "" {
		return traceID
	}
	return telemetry.TraceURL(a.telemetry, traceID)
}

func (a *app) close() error {
	var errs []error
	if a.runtimes != nil {
		errs = append(errs, a.runtimes.Close())
	}
	if a.stopTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.stopTrace(ctx))
		cancel()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.prevDefault != nil {
		slog.SetDefault(a.prevDefault)
	}
	return errors.Join(errs...)
}
