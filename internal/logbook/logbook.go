// Package logbook is the durable notification journal: one leveled,
// timestamped entry per line, rotated once to <path>.1 when it grows past
// a size limit.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultMaxBytes bounds the active journal before it is rotated.
const DefaultMaxBytes int64 = 4 << 20

// Entry is one parsed journal line.
type Entry struct {
	At      time.Time
	Level   Level
	Message string
}

// String renders e in journal form.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.At.UTC().Format(time.RFC3339), string(e.Level), e.Message)
}

// ParseEntry reads a journal line back. Escaped newlines are restored.
func ParseEntry(line string) (Entry, bool) {
	stamp, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Entry{}, false
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return Entry{}, false
	}
	rest = strings.TrimLeft(rest, " ")
	level, msg, _ := strings.Cut(rest, " ")
	switch Level(level) {
	case LevelInfo, LevelWarn, LevelError:
	default:
		return Entry{}, false
	}
	msg = strings.ReplaceAll(strings.TrimLeft(msg, " "), `\n`, "\n")
	return Entry{At: at, Level: Level(level), Message: msg}, true
}

// Logbook appends entries to a text file.
type Logbook struct {
	path     string
	mu       sync.Mutex
	clock    func() time.Time
	maxBytes int64
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	return &Logbook{path: path, clock: time.Now, maxBytes: DefaultMaxBytes}, nil
}

// SetClock overrides the timestamp source.
func (l *Logbook) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// SetMaxBytes changes the rotation threshold; n <= 0 disables rotation.
func (l *Logbook) SetMaxBytes(n int64) {
	if l == nil {
		return
	}
	l.maxBytes = n
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry. Embedded newlines are escaped so an entry
// always occupies a single line.
func (l *Logbook) Append(level Level, message string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	flat := strings.ReplaceAll(strings.TrimSpace(message), "\r\n", "\n")
	flat = strings.ReplaceAll(flat, "\n", `\n`)
	entry := Entry{At: l.clock(), Level: level, Message: flat}
	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logbook: open %s: %w", l.path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(entry.String() + "\n"); err != nil {
		return fmt.Errorf("logbook: append: %w", err)
	}
	return nil
}

func (l *Logbook) rotateIfNeeded() error {
	if l.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.maxBytes {
		return nil
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("logbook: rotate: %w", err)
	}
	return nil
}

// Tail returns up to maxLines of the most recent raw lines plus the total
// number of lines in the active file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, err := readLines(l.path)
	if err != nil {
		return nil, 0
	}
	total := len(lines)
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Entries is Tail parsed into entries; unparseable lines are skipped.
func (l *Logbook) Entries(maxLines int) ([]Entry, int) {
	lines, total := l.Tail(maxLines)
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := ParseEntry(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, total
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) error {
	return l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) error {
	return l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) error {
	return l.Append(LevelError, fmt.Sprintf(format, args...))
}
