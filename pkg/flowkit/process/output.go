package process

import (
	"bytes"
	"log/slog"
	"sync"
)

// logWriter turns child output into one log record per line.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

// Write implements io.Writer. Partial lines are held until their newline
// arrives or Flush is called.
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info(string(line), "stream", w.stream)
}
