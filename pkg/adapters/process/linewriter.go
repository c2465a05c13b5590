package process

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// lineWriter logs every complete line written to it.
type lineWriter struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(logger *slog.Logger, level slog.Level) *lineWriter {
	return &lineWriter{logger: logger, level: level}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			rest := append([]byte(nil), line...)
			w.buf.Reset()
			w.buf.Write(rest)
			break
		}
		w.log(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineWriter) log(line []byte) {
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line))
}
