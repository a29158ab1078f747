package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/scanrelay/internal/config"
)

func TestPrintfAppendsTimestampedLines(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	var tee bytes.Buffer
	logger, err := New(dir, WithClock(func() time.Time { return fixed }), WithTee(&tee))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Printf("placed %s\n", "a.dcm")
	logger.Printf("placed %s", "b.dcm")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, config.Dir, "logs", "scanrelay.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	if lines[0] != "[2024-05-01T09:30:00Z] placed a.dcm" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if tee.String() != string(data) {
		t.Fatalf("tee output mismatch:\n%s\nvs\n%s", tee.String(), data)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Printf("ignored")
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil logger: %v", err)
	}
}
