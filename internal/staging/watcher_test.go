package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/stability"
)

type recordingObserver struct {
	observations []stability.Observation
}

func (r *recordingObserver) Observe(_ context.Context, obs stability.Observation) bool {
	r.observations = append(r.observations, obs)
	return true
}

type fixture struct {
	inbox    string
	raw      string
	ledger   *ledger.Store
	observer *recordingObserver
	watcher  *Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		inbox:    filepath.Join(base, "inbox"),
		raw:      filepath.Join(base, "raw"),
		observer: &recordingObserver{},
	}
	if err := os.MkdirAll(f.inbox, 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f.ledger = store
	policy, err := NewPolicy(f.raw, "{{.Subject}}/{{.Session}}/{{.Type}}/{{.Group}}/{{.Name}}")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	classifier := NewClassifier(map[string][]string{"dicom": {".dcm"}, "nifti": {".nii.gz"}})
	f.watcher, err = New(f.inbox, classifier, policy, store, f.observer,
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	return f
}

func (f *fixture) write(t *testing.T, rel, body, sidecar string) string {
	t.Helper()
	path := filepath.Join(f.inbox, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if sidecar != "" {
		if err := os.WriteFile(identity.SidecarPath(path), []byte(sidecar), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

const t1Sidecar = `{"PatientID":"S1","SessionID":"01","StudyDate":"20240501","AcquisitionTime":"093000","SeriesNumber":"5","SeriesDescription":"T1w"}`

func TestScanPlacesItemAndUpdatesLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.write(t, "incoming/batch1/IM0001.dcm", "pixels", t1Sidecar)

	report := f.watcher.ScanOnce(ctx)
	if len(report.Placed) != 1 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	want := filepath.Join(f.raw, "S1", "01", "dicom", "005-T1w", "IM0001.dcm")
	if report.Placed[0].Destination != want {
		t.Fatalf("destination = %s, want %s", report.Placed[0].Destination, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("item not at destination: %v", err)
	}
	if _, err := os.Stat(identity.SidecarPath(want)); err != nil {
		t.Fatalf("sidecar did not travel with item: %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.inbox, "incoming")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("emptied directories should be cleaned up")
	}
	if _, err := os.Stat(f.inbox); err != nil {
		t.Fatalf("inbox root must survive cleanup: %v", err)
	}

	id := identity.Identity{Subject: "S1", Session: "01", Date: "2024-05-01"}
	sess, err := f.ledger.Get(ctx, id.ID())
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	wantStart := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	if sess.ScanStart == nil || !sess.ScanStart.Equal(wantStart) {
		t.Fatalf("scan start = %v", sess.ScanStart)
	}
	if len(f.observer.observations) != 1 {
		t.Fatalf("expected one observation, got %d", len(f.observer.observations))
	}
	obs := f.observer.observations[0]
	if obs.Group != filepath.Dir(want) || obs.Key != stability.FilesystemKey(id) {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a/IM0001.dcm", "pixels", t1Sidecar)
	if report := f.watcher.ScanOnce(ctx); len(report.Placed) != 1 {
		t.Fatalf("first delivery not placed: %+v", report)
	}
	src := f.write(t, "b/IM0001.dcm", "pixels", t1Sidecar)
	report := f.watcher.ScanOnce(ctx)
	if len(report.Duplicates) != 1 || len(report.Placed) != 0 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("duplicate source should be consumed")
	}
	dir := filepath.Join(f.raw, "S1", "01", "dicom", "005-T1w")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected item plus sidecar, got %d entries", len(entries))
	}
}

func TestConflictingDuplicateIsLeftInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a/IM0001.dcm", "pixels", t1Sidecar)
	f.watcher.ScanOnce(ctx)
	src := f.write(t, "b/IM0001.dcm", "different", t1Sidecar)
	report := f.watcher.ScanOnce(ctx)
	if len(report.Failures) != 1 || !errors.Is(report.Failures[0].Err, ErrDestinationConflict) {
		t.Fatalf("expected conflict failure, got %+v", report)
	}
	if report.Failures[0].Identity.Subject != "S1" {
		t.Fatalf("failure must carry identity: %+v", report.Failures[0])
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("conflicting source must stay: %v", err)
	}
}

func TestFailuresAreIsolatedPerItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a/broken.dcm", "x", `{"StudyDate":"20240501"}`)
	f.write(t, "a/notes.txt", "hello", "")
	f.write(t, "sub-S2/ses-02/20240502/scan.nii.gz", "vol", "")

	report := f.watcher.ScanOnce(ctx)
	if report.Scanned != 3 {
		t.Fatalf("scanned = %d", report.Scanned)
	}
	if len(report.Failures) != 1 || !errors.Is(report.Failures[0].Err, identity.ErrMalformedIdentity) {
		t.Fatalf("expected one malformed identity, got %+v", report.Failures)
	}
	if len(report.Unclassified) != 1 || !strings.HasSuffix(report.Unclassified[0], "notes.txt") {
		t.Fatalf("unclassified = %v", report.Unclassified)
	}
	if len(report.Placed) != 1 {
		t.Fatalf("path-routed item not placed: %+v", report)
	}
	want := filepath.Join(f.raw, "S2", "02", "nifti", "20240502", "scan.nii.gz")
	if report.Placed[0].Destination != want {
		t.Fatalf("destination = %s, want %s", report.Placed[0].Destination, want)
	}
	for _, rel := range []string{"a/broken.dcm", "a/notes.txt"} {
		if _, err := os.Stat(filepath.Join(f.inbox, rel)); err != nil {
			t.Fatalf("%s must be left in place: %v", rel, err)
		}
	}
}

// flakyLedger fails the first n Ensure calls.
type flakyLedger struct {
	*ledger.Store
	failures int
	calls    int
}

func (l *flakyLedger) Ensure(ctx context.Context, id identity.Identity, project string) (ledger.Session, error) {
	l.calls++
	if l.calls <= l.failures {
		return ledger.Session{}, ledger.ErrWriteConflict
	}
	return l.Store.Ensure(ctx, id, project)
}

func newFlakyWatcher(t *testing.T, f *fixture, failures int) *flakyLedger {
	t.Helper()
	flaky := &flakyLedger{Store: f.ledger, failures: failures}
	policy, err := NewPolicy(f.raw, "{{.Subject}}/{{.Session}}/{{.Type}}/{{.Group}}/{{.Name}}")
	if err != nil {
		t.Fatal(err)
	}
	f.watcher, err = New(f.inbox, NewClassifier(map[string][]string{"dicom": {".dcm"}}), policy, flaky, f.observer)
	if err != nil {
		t.Fatal(err)
	}
	return flaky
}

func TestLedgerWriteIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := newFlakyWatcher(t, f, 1)
	f.write(t, "a/IM0001.dcm", "pixels", t1Sidecar)

	report := f.watcher.ScanOnce(ctx)
	if len(report.Placed) != 1 || len(report.Failures) != 0 {
		t.Fatalf("retry should absorb a single conflict: %+v", report)
	}
	if flaky.calls != 2 {
		t.Fatalf("Ensure called %d times, want 2", flaky.calls)
	}
	id := identity.Identity{Subject: "S1", Session: "01", Date: "2024-05-01"}
	if _, err := f.ledger.Get(ctx, id.ID()); err != nil {
		t.Fatalf("ledger row missing after retry: %v", err)
	}
	if len(f.observer.observations) != 1 {
		t.Fatalf("expected one observation, got %d", len(f.observer.observations))
	}
}

func TestPlacedItemReachesAccumulatorWhenLedgerFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	newFlakyWatcher(t, f, 2)
	f.write(t, "a/IM0001.dcm", "pixels", t1Sidecar)

	report := f.watcher.ScanOnce(ctx)
	if len(report.Placed) != 1 || len(report.Failures) != 1 {
		t.Fatalf("expected placed item with a ledger failure, got %+v", report)
	}
	if !errors.Is(report.Failures[0].Err, ledger.ErrWriteConflict) {
		t.Fatalf("unexpected failure %v", report.Failures[0].Err)
	}
	if len(f.observer.observations) != 1 {
		t.Fatalf("moved item never reached the accumulator")
	}
	obs := f.observer.observations[0]
	wantGroup := filepath.Join(f.raw, "S1", "01", "dicom", "005-T1w")
	if obs.Group != wantGroup || obs.Source != stability.SourceFilesystem {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if again := f.watcher.ScanOnce(ctx); again.Scanned != 0 {
		t.Fatalf("item should have left the inbox, rescanned %d", again.Scanned)
	}
}

func TestScanStopsBetweenItemsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/IM0001.dcm", "1", t1Sidecar)
	f.write(t, "a/IM0002.dcm", "2", t1Sidecar)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.watcher.ScanOnce(ctx)
	if report.Scanned != 0 {
		t.Fatalf("cancelled scan handled %d items", report.Scanned)
	}
}

func TestPolicyConfinesDestination(t *testing.T) {
	root := t.TempDir()
	policy, err := NewPolicy(root, "{{.Subject}}/{{.Name}}")
	if err != nil {
		t.Fatal(err)
	}
	first, err := policy.Destination(Fields{Subject: "S1", Name: "a b.dcm"})
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	second, _ := policy.Destination(Fields{Subject: "S1", Name: "a b.dcm"})
	if first != second || first != filepath.Join(root, "S1", "a_b.dcm") {
		t.Fatalf("destination not stable: %s %s", first, second)
	}
	escaping, err := NewPolicy(root, "../{{.Name}}")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := escaping.Destination(Fields{Name: "x.dcm"}); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestClassifierPrefersLongestExtension(t *testing.T) {
	c := NewClassifier(map[string][]string{"archive": {".gz"}, "nifti": {"nii.gz"}})
	if got := c.Classify("/x/scan.NII.GZ"); got != "nifti" {
		t.Fatalf("classify = %q", got)
	}
	if got := c.Classify("/x/logs.gz"); got != "archive" {
		t.Fatalf("classify = %q", got)
	}
	if got := c.Classify("/x/readme"); got != Unclassified {
		t.Fatalf("classify = %q", got)
	}
}
