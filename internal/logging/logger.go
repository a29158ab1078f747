package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/scanrelay/internal/config"
)

// Logger appends timestamped lines to .scanrelay/logs/scanrelay.log so
// operators can inspect a long-running relay after the fact.
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	tee   io.Writer
	clock func() time.Time
}

// Option customizes a Logger.
type Option func(*Logger)

// WithTee mirrors every line to w (typically os.Stderr).
func WithTee(w io.Writer) Option {
	return func(l *Logger) {
		l.tee = w
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates (or reuses) the log file for the given project directory.
func New(projectDir string, opts ...Option) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "scanrelay.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := &Logger{file: f, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := l.clock().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
	if l.tee != nil {
		fmt.Fprintf(l.tee, "[%s] %s\n", timestamp, line)
	}
}
