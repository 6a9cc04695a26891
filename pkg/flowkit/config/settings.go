package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Setting keys, as they appear in a config file.
const (
	KeyStateStore      = "state_store"
	KeyRuntimesDir     = "runtimes_dir"
	KeyPollInterval    = "poll_interval"
	KeyRuntimeTimeout  = "runtime_timeout"
	KeyHealthInterval  = "health_interval"
	KeyKillTimeout     = "kill_timeout"
	KeyTelemetryServer = "telemetry_server"
	KeyTelemetryAddr   = "telemetry_addr"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
)

// Settings is the typed configuration of the supervisor and the CLI.
type Settings struct {
	// StateStore locates the flow state store (see flowstate.Open).
	StateStore string `validate:"required"`

	// RuntimesDir is where runtimes drop their registration files.
	RuntimesDir string `validate:"required"`

	// PollInterval is how often WaitForCompletion reloads a flow state.
	PollInterval time.Duration `validate:"gt=0"`

	// RuntimeTimeout bounds how long the supervisor waits for the first
	// runtime after starting the app.
	RuntimeTimeout time.Duration `validate:"gt=0"`

	// HealthInterval is the period of the runtime health loop.
	HealthInterval time.Duration `validate:"gt=0"`

	// KillTimeout is the grace period between SIGTERM and SIGKILL.
	KillTimeout time.Duration `validate:"gt=0"`

	// TelemetryServer is an existing telemetry server URL. Empty means the
	// embedded server is started on TelemetryAddr.
	TelemetryServer string `validate:"omitempty,url"`

	TelemetryAddr string `validate:"required,hostname_port"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		StateStore:     "file://.flowkit/flowstate",
		RuntimesDir:    ".flowkit/runtimes",
		PollInterval:   time.Second,
		RuntimeTimeout: 30 * time.Second,
		HealthInterval: 5 * time.Second,
		KillTimeout:    5 * time.Second,
		TelemetryAddr:  "127.0.0.1:4033",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// FromConfig reads settings from cfg, falling back to Defaults for missing
// keys. The result is not validated; call Validate.
func FromConfig(cfg Config) Settings {
	d := Defaults()
	return Settings{
		StateStore:      cfg.String(KeyStateStore, d.StateStore),
		RuntimesDir:     cfg.String(KeyRuntimesDir, d.RuntimesDir),
		PollInterval:    cfg.Duration(KeyPollInterval, d.PollInterval),
		RuntimeTimeout:  cfg.Duration(KeyRuntimeTimeout, d.RuntimeTimeout),
		HealthInterval:  cfg.Duration(KeyHealthInterval, d.HealthInterval),
		KillTimeout:     cfg.Duration(KeyKillTimeout, d.KillTimeout),
		TelemetryServer: cfg.String(KeyTelemetryServer, d.TelemetryServer),
		TelemetryAddr:   cfg.String(KeyTelemetryAddr, d.TelemetryAddr),
		LogLevel:        strings.ToLower(cfg.String(KeyLogLevel, d.LogLevel)),
		LogFormat:       strings.ToLower(cfg.String(KeyLogFormat, d.LogFormat)),
	}
}

// Load reads settings from a YAML or JSON file. An empty path yields the
// defaults. The result is validated.
func Load(path string) (Settings, error) {
	cfg := New(nil)
	if path != "" {
		var err error
		cfg, err = FromFile(path)
		if err != nil {
			return Settings{}, err
		}
	}

	s := FromConfig(cfg)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks every field and reports all violations at once.
func (s Settings) Validate() error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("validate settings: %w", err)
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

// Validator returns the shared validator instance used for settings. Other
// packages validate their wire types with it.
func Validator() *validator.Validate {
	return getValidator()
}
