//go:build unix

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startArgs(env cliEnv, script string) []string {
	return env.args(
		"--telemetry-server", "http://127.0.0.1:9",
		"--kill-timeout", "2s",
		"start", "--interactive=false", "--", "sh", "-c", script,
	)
}

func TestStart_ProcessExitsBeforeRuntime(t *testing.T) {
	env := newCLIEnv(t)
	var stdout, stderr bytes.Buffer

	start := time.Now()
	code := run(context.Background(), startArgs(env, "exit 3"), &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "ABORTED: ")
	assert.Contains(t, stderr.String(), "process exited before runtime was ready")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStart_NoCommand(t *testing.T) {
	env := newCLIEnv(t)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), env.args("start"), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "INVALID_ARGUMENT")
}

// TestStart_RuntimeReady runs a shell "application" that registers a
// runtime through the injected environment and then idles until killed.
func TestStart_RuntimeReady(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer health.Close()

	env := newCLIEnv(t)
	script := fmt.Sprintf(`
[ "$FLOWKIT_ENV" = dev ] || exit 7
[ "$FLOWKIT_TELEMETRY_SERVER" = http://127.0.0.1:9 ] || exit 8
mkdir -p "$FLOWKIT_RUNTIMES_DIR"
printf '{"id":"shell-app","pid":%%d,"reflectionServerUrl":"%s","timestamp":"2024-03-01T12:00:00Z"}' $$ > "$FLOWKIT_RUNTIMES_DIR/.shell-app.tmp"
mv "$FLOWKIT_RUNTIMES_DIR/.shell-app.tmp" "$FLOWKIT_RUNTIMES_DIR/shell-app.json"
exec sleep 60
`, health.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() { done <- run(ctx, startArgs(env, script), &stdout, &stderr) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "runtime shell-app ready at "+health.URL)
	}, 10*time.Second, 20*time.Millisecond, stderr.String())

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after cancel")
	}
}
