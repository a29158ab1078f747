package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/kingrea/scanrelay/internal/artifact"
	"github.com/kingrea/scanrelay/internal/ledger"
)

var behaviorStamp = regexp.MustCompile(`(\d{8})_(\d{6})`)

// BehaviorIndex locates behavioral logs and their timestamps.
type BehaviorIndex struct {
	dir       string
	glob      string
	tolerance time.Duration
}

// NewBehaviorIndex scans dir for files matching glob (default "*").
func NewBehaviorIndex(dir, glob string, tolerance time.Duration) *BehaviorIndex {
	if glob == "" {
		glob = "*"
	}
	return &BehaviorIndex{dir: dir, glob: glob, tolerance: tolerance}
}

// BehaviorLog is one discovered file.
type BehaviorLog struct {
	Path string
	At   time.Time
	Size int64
}

// Logs lists behavioral logs sorted by timestamp. The timestamp comes from a
// YYYYMMDD_HHMMSS stamp in the file name, else from the modification time
// read as wall-clock.
func (b *BehaviorIndex) Logs() ([]BehaviorLog, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, b.glob))
	if err != nil {
		return nil, fmt.Errorf("eventlog: behavior glob: %w", err)
	}
	logs := make([]BehaviorLog, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		logs = append(logs, BehaviorLog{Path: path, At: stampOf(filepath.Base(path), info.ModTime()), Size: info.Size()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].At.Before(logs[j].At) })
	return logs, nil
}

func stampOf(name string, modTime time.Time) time.Time {
	if m := behaviorStamp.FindStringSubmatch(name); m != nil {
		if at, err := time.Parse("20060102150405", m[1]+m[2]); err == nil {
			return at
		}
	}
	local := modTime.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.UTC)
}

// attachBehavior records each log against the matched session whose window,
// padded by the tolerance, lies nearest to the log timestamp.
func (c *Correlator) attachBehavior(ctx context.Context, matches []Match) ([]string, []error) {
	logs, err := c.behavior.Logs()
	if err != nil {
		return nil, []error{err}
	}
	var (
		attached []string
		failures []error
	)
	for _, log := range logs {
		target, ok := c.behavior.closest(matches, log.At)
		if !ok {
			continue
		}
		art := ledger.Artifact{
			Path:  log.Path,
			Kind:  string(artifact.KindBehavior),
			Group: string(artifact.KindBehavior),
			Size:  log.Size,
		}
		if _, err := c.store.AddArtifacts(ctx, target.Session.ID, []ledger.Artifact{art}); err != nil {
			failures = append(failures, fmt.Errorf("eventlog: attach %s to %s: %w", log.Path, target.Identity, err))
			continue
		}
		c.logger.Printf("eventlog: behavior log %s attached to %s", filepath.Base(log.Path), target.Identity)
		attached = append(attached, log.Path)
	}
	return attached, failures
}

func (b *BehaviorIndex) closest(matches []Match, at time.Time) (Match, bool) {
	var (
		best     Match
		bestDist time.Duration
		found    bool
	)
	for _, m := range matches {
		start, end := m.Segment.Arrival(), m.Segment.End
		if s := m.Session.ScanStart; s != nil && s.Before(start) {
			start = *s
		}
		if e := m.Session.ScanEnd; e != nil && e.After(end) {
			end = *e
		}
		d := gap(start, end, at, at)
		if d > b.tolerance {
			continue
		}
		if !found || d < bestDist {
			best, bestDist, found = m, d, true
		}
	}
	return best, found
}
