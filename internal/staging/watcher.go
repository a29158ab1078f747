// Package staging scans the local inbox, routes each classified item to
// its session and moves it under the naming root. Each item is handled in
// isolation: a failure is recorded in the scan report and the walk goes on.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/fsx"
	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/stability"
)

// ErrDestinationConflict is returned when a different file already occupies
// the destination. The source is left where it is.
var ErrDestinationConflict = errors.New("staging: destination holds different content")

// SessionLedger is the slice of the ledger the watcher writes to.
type SessionLedger interface {
	Ensure(ctx context.Context, id identity.Identity, project string) (ledger.Session, error)
	ExtendWindow(ctx context.Context, id string, w ledger.Window) error
}

// Observer receives placed groups.
type Observer interface {
	Observe(ctx context.Context, obs stability.Observation) bool
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Item is one classified file in the inbox.
type Item struct {
	SourcePath  string
	Destination string
	Type        string
	Group       string
	Identity    identity.Identity
	Header      identity.Header
	AcquiredAt  time.Time
}

// Placement records a handled item.
type Placement struct {
	Source      string
	Destination string
	Identity    identity.Identity
}

// Failure records an item that could not be routed or placed.
type Failure struct {
	Path     string
	Identity identity.Identity
	Err      error
}

func (f Failure) Error() string {
	if f.Identity.Subject == "" {
		return fmt.Sprintf("%s: %v", f.Path, f.Err)
	}
	return fmt.Sprintf("%s (%s): %v", f.Path, f.Identity, f.Err)
}

// Report summarises one scan pass.
type Report struct {
	Scanned      int
	Placed       []Placement
	Duplicates   []Placement
	Unclassified []string
	Failures     []Failure
}

// Watcher scans the inbox tree.
type Watcher struct {
	root       string
	classifier *Classifier
	policy     *Policy
	ledger     SessionLedger
	observer   Observer
	logger     Logger
	clock      func() time.Time
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLogger routes per-item logs.
func WithLogger(logger Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(w *Watcher) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// New wires a watcher over root.
func New(root string, classifier *Classifier, policy *Policy, store SessionLedger, observer Observer, opts ...Option) (*Watcher, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("staging: inbox root is required")
	}
	if classifier == nil || policy == nil {
		return nil, fmt.Errorf("staging: classifier and naming policy are required")
	}
	if store == nil || observer == nil {
		return nil, fmt.Errorf("staging: ledger and observer are required")
	}
	w := &Watcher{
		root:       filepath.Clean(root),
		classifier: classifier,
		policy:     policy,
		ledger:     store,
		observer:   observer,
		logger:     nopLogger{},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Scan lazily yields candidate files under the inbox in lexical walk order.
// Sidecars and in-flight temp files are skipped. A missing root yields
// nothing.
func (w *Watcher) Scan() iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == w.root {
					return filepath.SkipAll
				}
				w.logger.Printf("staging: walk %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || identity.IsSidecar(path) {
				return nil
			}
			// Entries are listed per directory up front; a sidecar may
			// already have travelled with its item.
			if _, err := os.Lstat(path); err != nil {
				return nil
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// ScanOnce runs a full pass. Cancellation is honoured between items, never
// in the middle of one.
func (w *Watcher) ScanOnce(ctx context.Context) Report {
	var report Report
	touched := make(map[string]struct{})
	for path := range w.Scan() {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		w.handle(ctx, path, &report, touched)
	}
	w.cleanup(touched)
	return report
}

func (w *Watcher) handle(ctx context.Context, path string, report *Report, touched map[string]struct{}) {
	itemType := w.Classify(path)
	if itemType == Unclassified {
		w.logger.Printf("staging: unclassified item left in place: %s", path)
		report.Unclassified = append(report.Unclassified, path)
		return
	}
	item, err := w.Resolve(path, itemType)
	if err != nil {
		w.logger.Printf("staging: cannot route %s: %v", path, err)
		report.Failures = append(report.Failures, Failure{Path: path, Err: err})
		return
	}
	duplicate, err := w.Place(item)
	if err != nil {
		w.logger.Printf("staging: place %s (%s) -> %s: %v", path, item.Identity, item.Destination, err)
		report.Failures = append(report.Failures, Failure{Path: path, Identity: item.Identity, Err: err})
		return
	}
	touched[filepath.Dir(path)] = struct{}{}
	placement := Placement{Source: path, Destination: item.Destination, Identity: item.Identity}
	if duplicate {
		report.Duplicates = append(report.Duplicates, placement)
	} else {
		report.Placed = append(report.Placed, placement)
	}
	// The item has left the inbox, so its group must reach the
	// accumulator whatever the ledger does.
	w.observe(ctx, item)
	if err := w.record(ctx, item); err != nil {
		w.logger.Printf("staging: ledger update for %s (%s): %v", item.Destination, item.Identity, err)
		report.Failures = append(report.Failures, Failure{Path: item.Destination, Identity: item.Identity, Err: err})
	}
}

// Classify returns the item type tag or Unclassified.
func (w *Watcher) Classify(path string) string {
	return w.classifier.Classify(path)
}

// Resolve reads the item's metadata, resolves its identity and computes its
// destination.
func (w *Watcher) Resolve(path, itemType string) (Item, error) {
	header, ok, err := identity.ReadSidecar(path)
	if err != nil {
		return Item{}, err
	}
	var id identity.Identity
	if ok {
		id, err = identity.Resolve(header)
	} else {
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			rel = path
		}
		id, err = identity.ResolvePath(rel)
	}
	if err != nil {
		return Item{}, err
	}
	item := Item{
		SourcePath: path,
		Type:       itemType,
		Group:      w.groupFor(path, header),
		Identity:   id,
		Header:     header,
	}
	if ts, ok := identity.AcquiredAt(header); ok {
		item.AcquiredAt = ts
	}
	item.Destination, err = w.policy.Destination(Fields{
		Subject: id.Subject,
		Session: id.Session,
		Date:    id.Date,
		Type:    itemType,
		Group:   item.Group,
		Name:    filepath.Base(path),
	})
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (w *Watcher) groupFor(path string, header identity.Header) string {
	number := strings.TrimSpace(header["SeriesNumber"])
	desc := strings.TrimSpace(header["SeriesDescription"])
	switch {
	case number != "" && desc != "":
		if n, err := strconv.Atoi(number); err == nil && n >= 0 {
			number = fmt.Sprintf("%03d", n)
		}
		return number + "-" + desc
	case desc != "":
		return desc
	case number != "":
		return "series-" + number
	}
	parent := filepath.Dir(path)
	if parent == w.root {
		return "ungrouped"
	}
	return filepath.Base(parent)
}

// Place moves item to its destination. When the destination already holds
// identical bytes the source is treated as already placed and removed
// (duplicate=true); different bytes yield ErrDestinationConflict.
func (w *Watcher) Place(item Item) (duplicate bool, err error) {
	if fsx.Exists(item.Destination) {
		same, err := fsx.SameContent(item.SourcePath, item.Destination)
		if err != nil {
			return false, err
		}
		if !same {
			return false, fmt.Errorf("%w: %s", ErrDestinationConflict, item.Destination)
		}
		if err := os.Remove(item.SourcePath); err != nil {
			return false, err
		}
		removeSidecar(item.SourcePath)
		return true, nil
	}
	if err := fsx.Move(item.SourcePath, item.Destination); err != nil {
		return false, err
	}
	sidecar := identity.SidecarPath(item.SourcePath)
	if fsx.Exists(sidecar) {
		if err := fsx.Move(sidecar, identity.SidecarPath(item.Destination)); err != nil {
			w.logger.Printf("staging: move sidecar %s (%s): %v", sidecar, item.Identity, err)
		}
	}
	return false, nil
}

func removeSidecar(itemPath string) {
	_ = os.Remove(identity.SidecarPath(itemPath))
}

func (w *Watcher) observe(ctx context.Context, item Item) {
	w.observer.Observe(ctx, stability.Observation{
		Key:      stability.FilesystemKey(item.Identity),
		Identity: item.Identity,
		Source:   stability.SourceFilesystem,
		Group:    filepath.Dir(item.Destination),
		At:       w.clock(),
	})
}

// record writes the session row and widens its scan window, retrying once
// against a fresh read of the row.
func (w *Watcher) record(ctx context.Context, item Item) error {
	err := w.recordOnce(ctx, item)
	if err == nil || ctx.Err() != nil {
		return err
	}
	w.logger.Printf("staging: retrying ledger update for %s (%s): %v", item.Destination, item.Identity, err)
	return w.recordOnce(ctx, item)
}

func (w *Watcher) recordOnce(ctx context.Context, item Item) error {
	sess, err := w.ledger.Ensure(ctx, item.Identity, "")
	if err != nil {
		return err
	}
	if item.AcquiredAt.IsZero() {
		return nil
	}
	window := ledger.Window{ScanStart: item.AcquiredAt, ScanEnd: item.AcquiredAt}
	return w.ledger.ExtendWindow(ctx, sess.ID, window)
}

// cleanup removes directories emptied by this pass, walking upwards but
// never touching the inbox root or anything above it.
func (w *Watcher) cleanup(touched map[string]struct{}) {
	dirs := make([]string, 0, len(touched))
	for dir := range touched {
		dirs = append(dirs, dir)
	}
	// Deepest first so parents see their children already gone.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		for dir != w.root && fsx.Within(w.root, dir) {
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}
