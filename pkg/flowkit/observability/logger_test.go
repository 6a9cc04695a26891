package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a debug-level JSON logger and the buffer it writes to.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds flow_id, flow_name, and attempt", func(t *testing.T) {
		logger, buf := captureLogger()

		enriched := EnrichLogger(logger, "flow-123", "multiSteps", 2)
		enriched.Info("test message")

		record := lastRecord(t, buf)
		assert.Equal(t, "flow-123", record["flow_id"])
		assert.Equal(t, "multiSteps", record["flow_name"])
		assert.Equal(t, float64(2), record["attempt"]) // JSON decodes ints as float64
		assert.Equal(t, "test message", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "flow-123", "multiSteps", 1))
	})
}

func TestLogHelpers(t *testing.T) {
	testErr := errors.New("connection refused")

	tests := []struct {
		name  string
		log   func(*slog.Logger)
		level string
		msg   string
		attrs map[string]any
	}{
		{
			name:  "flow start",
			log:   func(l *slog.Logger) { LogFlowStart(l, "flow-1", "multiSteps", 1) },
			level: "INFO",
			msg:   "flow attempt starting",
			attrs: map[string]any{"flow_id": "flow-1", "flow_name": "multiSteps", "attempt": float64(1)},
		},
		{
			name:  "flow complete",
			log:   func(l *slog.Logger) { LogFlowComplete(l, "flow-1", 12.5, 3) },
			level: "INFO",
			msg:   "flow completed",
			attrs: map[string]any{"duration_ms": 12.5, "steps_cached": float64(3)},
		},
		{
			name:  "flow blocked",
			log:   func(l *slog.Logger) { LogFlowBlocked(l, "flow-1", "approval", 4) },
			level: "INFO",
			msg:   "flow blocked",
			attrs: map[string]any{"step": "approval"},
		},
		{
			name:  "flow error",
			log:   func(l *slog.Logger) { LogFlowError(l, "flow-1", testErr, 7) },
			level: "ERROR",
			msg:   "flow failed",
			attrs: map[string]any{"error": "connection refused"},
		},
		{
			name:  "step start",
			log:   func(l *slog.Logger) { LogStepStart(l, "step1") },
			level: "DEBUG",
			msg:   "step starting",
			attrs: map[string]any{"step": "step1"},
		},
		{
			name:  "step complete",
			log:   func(l *slog.Logger) { LogStepComplete(l, "step1", 1) },
			level: "DEBUG",
			msg:   "step completed",
			attrs: map[string]any{"step": "step1", "duration_ms": float64(1)},
		},
		{
			name:  "step cached",
			log:   func(l *slog.Logger) { LogStepCached(l, "step1") },
			level: "DEBUG",
			msg:   "step served from cache",
			attrs: map[string]any{"step": "step1"},
		},
		{
			name:  "step error",
			log:   func(l *slog.Logger) { LogStepError(l, "step1", testErr) },
			level: "ERROR",
			msg:   "step failed",
			attrs: map[string]any{"error": "connection refused"},
		},
		{
			name:  "state saved",
			log:   func(l *slog.Logger) { LogStateSaved(l, "flow-1", "done") },
			level: "DEBUG",
			msg:   "flow state saved",
			attrs: map[string]any{"phase": "done"},
		},
		{
			name:  "state error",
			log:   func(l *slog.Logger) { LogStateError(l, "flow-1", "save", testErr) },
			level: "WARN",
			msg:   "flow state operation failed",
			attrs: map[string]any{"operation": "save", "error": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger()
			tt.log(logger)

			record := lastRecord(t, buf)
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, tt.msg, record["msg"])
			for k, v := range tt.attrs {
				assert.Equal(t, v, record[k], "attr %s", k)
			}
		})

		t.Run(tt.name+" nil logger does not panic", func(t *testing.T) {
			assert.NotPanics(t, func() { tt.log(nil) })
		})
	}
}

func TestLogFlowError_NilError(t *testing.T) {
	logger, buf := captureLogger()
	LogFlowError(logger, "flow-1", nil, 0)
	assert.Equal(t, "", lastRecord(t, buf)["error"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(5))
}
