package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
)

const layout = "2006-01-02 15:04:05"

const systemLog = `boot noise without timestamp
2024-05-01 08:50:00 INFO console idle
2024-05-01 08:54:00 INFO SessionStart name=ProjA_S1
2024-05-01 08:55:00 INFO OperatorLogin tech
2024-05-01 09:05:00 INFO AcqReady
2024-05-01 09:07:00 INFO AcqStart
2024-05-01 09:30:00 INFO AcqComplete
2024-05-01 09:50:00 INFO AcqComplete
2024-05-01 09:59:00 INFO console idle
2024-05-01 11:00:00 INFO SessionStart name=Other_S1
2024-05-01 11:20:00 INFO AcqComplete
2024-05-01 12:00:00 INFO SessionStart name=ProjA_S9
2024-05-01 12:40:00 INFO AcqComplete
`

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	at, err := time.Parse(layout, v)
	if err != nil {
		t.Fatal(err)
	}
	return at
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	markers, err := CompileMarkers("SessionStart", "OperatorLogin", "AcqReady", "AcqStart", "AcqComplete")
	if err != nil {
		t.Fatalf("CompileMarkers: %v", err)
	}
	p, err := NewParser(layout, markers, `name=(\S+)`)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	return p
}

func TestParseSplitsSegments(t *testing.T) {
	segs, err := newParser(t).Parse(strings.NewReader(systemLog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	first := segs[0]
	if first.Name != "ProjA_S1" {
		t.Fatalf("name = %q", first.Name)
	}
	if !first.Arrival().Equal(mustTime(t, "2024-05-01 08:55:00")) {
		t.Fatalf("arrival = %s", first.Arrival())
	}
	if !first.ScanStart().Equal(mustTime(t, "2024-05-01 09:05:00")) {
		t.Fatalf("scan start = %s", first.ScanStart())
	}
	if !first.AcqComplete.Equal(mustTime(t, "2024-05-01 09:50:00")) {
		t.Fatalf("last acquisition complete = %s", first.AcqComplete)
	}
	if !first.End.Equal(mustTime(t, "2024-05-01 09:59:00")) {
		t.Fatalf("end = %s", first.End)
	}
	if segs[1].Name != "Other_S1" || !segs[1].Arrival().Equal(segs[1].Start) {
		t.Fatalf("unexpected second segment %+v", segs[1])
	}
}

func TestParseVariableWidthTimestamps(t *testing.T) {
	markers, err := CompileMarkers("SessionStart", "", "", "AcqStart", "AcqComplete")
	if err != nil {
		t.Fatalf("CompileMarkers: %v", err)
	}
	p, err := NewParser("January 2 15:04:05", markers, `name=(\S+)`)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	log := `May 1 08:54:00 INFO SessionStart name=A
May 1 09:07:00 INFO AcqStart
May 1 09:40:00 INFO AcqComplete
September 12 10:00:00 INFO SessionStart name=B
September 12 10:30:00 INFO AcqComplete
September 12
`
	segs, err := p.Parse(strings.NewReader(log))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(segs) != 2 || segs[0].Name != "A" || segs[1].Name != "B" {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if got := segs[0].AcqStart; got.Month() != time.May || got.Hour() != 9 || got.Minute() != 7 {
		t.Fatalf("acquisition start = %s", got)
	}
	if got := segs[1].Start; got.Month() != time.September || got.Day() != 12 {
		t.Fatalf("second segment start = %s", got)
	}
	if got := segs[1].End; got.Hour() != 10 || got.Minute() != 30 {
		t.Fatalf("second segment end = %s", got)
	}
}

func TestFieldsEnd(t *testing.T) {
	cases := []struct {
		line string
		n    int
		want int
	}{
		{"May 12 09:07:00 INFO", 3, 15},
		{"May  2 09:07:00", 3, 15},
		{"May 2", 3, -1},
		{"", 1, -1},
	}
	for _, c := range cases {
		if got := fieldsEnd(c.line, c.n); got != c.want {
			t.Fatalf("fieldsEnd(%q, %d) = %d, want %d", c.line, c.n, got, c.want)
		}
	}
}

func TestCompileMarkersRequiresSessionStart(t *testing.T) {
	if _, err := CompileMarkers("", "", "", "", ""); err == nil {
		t.Fatalf("expected error without session_start")
	}
	if _, err := CompileMarkers("(", "", "", "", ""); err == nil {
		t.Fatalf("expected compile error")
	}
	markers, _ := CompileMarkers("start", "", "", "", "")
	if _, err := NewParser(layout, markers, `name=\S+`); err == nil {
		t.Fatalf("expected error for name pattern without a group")
	}
}

type fixture struct {
	store *ledger.Store
	id    identity.Identity
	corr  *Correlator
}

func setup(t *testing.T, opts ...Option) fixture {
	t.Helper()
	store, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	id := identity.Identity{Subject: "S1", Session: "01", Date: "2024-05-01"}
	ctx := context.Background()
	if _, err := store.Ensure(ctx, id, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.ExtendWindow(ctx, id.ID(), ledger.Window{
		ScanStart: mustTime(t, "2024-05-01 09:10:00"),
		ScanEnd:   mustTime(t, "2024-05-01 09:40:00"),
	}); err != nil {
		t.Fatal(err)
	}
	project, err := NewProject("ProjA", `^ProjA_(?P<subject>\w+)$`, 60)
	if err != nil {
		t.Fatalf("NewProject: %v", err)
	}
	corr, err := New(newParser(t), []Project{project}, store, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{store: store, id: id, corr: corr}
}

func TestCorrelateWidensWindowAndReconciles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	report, err := f.corr.Correlate(ctx, strings.NewReader(systemLog))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if report.Segments != 3 || len(report.Matched) != 1 || len(report.Discarded) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	sess, err := f.store.Get(ctx, f.id.ID())
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]struct {
		got  *time.Time
		want string
	}{
		"arrival":    {sess.ArrivalTime, "2024-05-01 08:55:00"},
		"scan_start": {sess.ScanStart, "2024-05-01 09:05:00"},
		"scan_end":   {sess.ScanEnd, "2024-05-01 09:50:00"},
		"departure":  {sess.DepartureTime, "2024-05-01 09:59:00"},
	}
	for name, c := range checks {
		if c.got == nil || !c.got.Equal(mustTime(t, c.want)) {
			t.Fatalf("%s = %v, want %s", name, c.got, c.want)
		}
	}
	if sess.Project != "ProjA" {
		t.Fatalf("project = %q", sess.Project)
	}
	if sess.ActualDuration == nil || *sess.ActualDuration != 64*time.Minute {
		t.Fatalf("actual = %v", sess.ActualDuration)
	}
	if sess.ChargedTime == nil || *sess.ChargedTime != 64*time.Minute {
		t.Fatalf("charged should be max(actual, scheduled), got %v", sess.ChargedTime)
	}
}

func TestCorrelateNeverNarrows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.corr.Correlate(ctx, strings.NewReader(systemLog)); err != nil {
		t.Fatal(err)
	}
	narrow := "2024-05-01 09:20:00 INFO SessionStart name=ProjA_S1\n2024-05-01 09:25:00 INFO AcqComplete\n"
	if _, err := f.corr.Correlate(ctx, strings.NewReader(narrow)); err != nil {
		t.Fatal(err)
	}
	sess, _ := f.store.Get(ctx, f.id.ID())
	if !sess.ArrivalTime.Equal(mustTime(t, "2024-05-01 08:55:00")) || !sess.ScanEnd.Equal(mustTime(t, "2024-05-01 09:50:00")) {
		t.Fatalf("window narrowed: arrival=%s scan_end=%s", sess.ArrivalTime, sess.ScanEnd)
	}
}

func TestCorrelateDiscardsUnknownSessions(t *testing.T) {
	f := setup(t)
	report, err := f.corr.Correlate(context.Background(), strings.NewReader(systemLog))
	if err != nil {
		t.Fatal(err)
	}
	reasons := make(map[string]string)
	for _, d := range report.Discarded {
		reasons[d.Segment.Name] = d.Reason
	}
	if !strings.Contains(reasons["Other_S1"], "no project") {
		t.Fatalf("Other_S1 reason = %q", reasons["Other_S1"])
	}
	if !strings.Contains(reasons["ProjA_S9"], "no ledger session") {
		t.Fatalf("ProjA_S9 reason = %q", reasons["ProjA_S9"])
	}
	all, _ := f.store.Query(context.Background(), ledger.Filter{})
	if len(all) != 1 {
		t.Fatalf("discarded segments must not create sessions, have %d", len(all))
	}
}

func TestNearestPicksClosestWindow(t *testing.T) {
	at := func(v string) *time.Time {
		ts := mustTime(t, v)
		return &ts
	}
	morning := ledger.Session{ID: "a", ScanStart: at("2024-05-01 09:00:00"), ScanEnd: at("2024-05-01 09:30:00")}
	afternoon := ledger.Session{ID: "b", ScanStart: at("2024-05-01 14:00:00"), ScanEnd: at("2024-05-01 14:30:00")}
	blank := ledger.Session{ID: "c"}
	seg := Segment{Start: mustTime(t, "2024-05-01 13:50:00"), End: mustTime(t, "2024-05-01 14:40:00")}
	if got := nearest([]ledger.Session{blank, morning, afternoon}, seg); got.ID != "b" {
		t.Fatalf("nearest = %s", got.ID)
	}
}

func TestBehaviorLogsAttachWithinTolerance(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"task_20240501_092000.csv", "task_20240502_092000.csv", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("trial,rt\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	f := setup(t, WithBehavior(NewBehaviorIndex(dir, "task_*.csv", 30*time.Minute)))
	ctx := context.Background()
	report, err := f.corr.Correlate(ctx, strings.NewReader(systemLog))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Behavior) != 1 || filepath.Base(report.Behavior[0]) != "task_20240501_092000.csv" {
		t.Fatalf("behavior = %v", report.Behavior)
	}
	arts, err := f.store.Artifacts(ctx, f.id.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Kind != "behavior" {
		t.Fatalf("artifacts = %+v", arts)
	}
}

func TestStampFallsBackToModTime(t *testing.T) {
	mod := time.Date(2024, 5, 1, 9, 15, 0, 0, time.Local)
	got := stampOf("untimed.csv", mod)
	want := time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("stamp = %s, want %s", got, want)
	}
}
