package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowkit/pkg/flowkit/config"
)

func TestDefaults(t *testing.T) {
	d := config.Defaults()
	assert.Equal(t, "file://.flowkit/flowstate", d.StateStore)
	assert.Equal(t, ".flowkit/runtimes", d.RuntimesDir)
	assert.Equal(t, time.Second, d.PollInterval)
	assert.Equal(t, 30*time.Second, d.RuntimeTimeout)
	assert.Equal(t, 5*time.Second, d.HealthInterval)
	assert.Equal(t, 5*time.Second, d.KillTimeout)
	assert.Empty(t, d.TelemetryServer)
	assert.Equal(t, "127.0.0.1:4033", d.TelemetryAddr)
	assert.Equal(t, "info", d.LogLevel)
	assert.Equal(t, "text", d.LogFormat)
	assert.NoError(t, d.Validate())
}

func TestFromConfig(t *testing.T) {
	cfg := config.New(map[string]any{
		config.KeyStateStore:      "redis://localhost:6379/0",
		config.KeyPollInterval:    "250ms",
		config.KeyKillTimeout:     2,
		config.KeyTelemetryServer: "http://localhost:4033",
		config.KeyLogLevel:        "DEBUG",
	})

	s := config.FromConfig(cfg)
	assert.Equal(t, "redis://localhost:6379/0", s.StateStore)
	assert.Equal(t, 250*time.Millisecond, s.PollInterval)
	assert.Equal(t, 2*time.Second, s.KillTimeout)
	assert.Equal(t, "http://localhost:4033", s.TelemetryServer)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, ".flowkit/runtimes", s.RuntimesDir, "missing keys fall back to defaults")
	assert.NoError(t, s.Validate())
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
		field  string
	}{
		{"empty state store", func(s *config.Settings) { s.StateStore = "" }, "StateStore"},
		{"zero poll interval", func(s *config.Settings) { s.PollInterval = 0 }, "PollInterval"},
		{"negative kill timeout", func(s *config.Settings) { s.KillTimeout = -time.Second }, "KillTimeout"},
		{"bad telemetry url", func(s *config.Settings) { s.TelemetryServer = "not a url" }, "TelemetryServer"},
		{"bad telemetry addr", func(s *config.Settings) { s.TelemetryAddr = "nowhere" }, "TelemetryAddr"},
		{"bad log level", func(s *config.Settings) { s.LogLevel = "loud" }, "LogLevel"},
		{"bad log format", func(s *config.Settings) { s.LogFormat = "xml" }, "LogFormat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Defaults()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSettings_ValidateReportsAll(t *testing.T) {
	s := config.Defaults()
	s.LogLevel = "loud"
	s.LogFormat = "xml"

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LogLevel")
	assert.Contains(t, err.Error(), "LogFormat")
}

func TestLoad(t *testing.T) {
	t.Run("empty path gives defaults", func(t *testing.T) {
		s, err := config.Load("")
		require.NoError(t, err)
		assert.Equal(t, config.Defaults(), s)
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flowkit.yaml")
		require.NoError(t, os.WriteFile(path, []byte("state_store: \"memory:\"\nruntime_timeout: 5s\n"), 0o600))

		s, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "memory:", s.StateStore)
		assert.Equal(t, 5*time.Second, s.RuntimeTimeout)
	})

	t.Run("invalid file content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flowkit.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_format: xml\n"), 0o600))

		_, err := config.Load(path)
		assert.ErrorContains(t, err, "LogFormat")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidator_Shared(t *testing.T) {
	assert.Same(t, config.Validator(), config.Validator())
}
