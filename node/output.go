package node

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
)

// buffer is a bytes.Buffer that tolerates concurrent writers.
type buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// syncWriter serializes writes of several streams into one writer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// lineLogger emits every complete line written to it as a debug record.
type lineLogger struct {
	log     *slog.Logger
	pending []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.log.Debug(string(bytes.TrimRight(l.pending[:i], "\r")))
		l.pending = l.pending[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line that was not terminated by a newline.
func (l *lineLogger) Flush() {
	if len(l.pending) > 0 {
		l.log.Debug(string(l.pending))
		l.pending = nil
	}
}
