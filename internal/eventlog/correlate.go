package eventlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
)

// Project is one compiled row of the project-name table.
type Project struct {
	Name      string
	Match     *regexp.Regexp
	Scheduled time.Duration
}

// NewProject compiles a project row. match must contain a (?P<subject>)
// group.
func NewProject(name, match string, scheduledMinutes int) (Project, error) {
	re, err := regexp.Compile(match)
	if err != nil {
		return Project{}, fmt.Errorf("eventlog: project %s: %w", name, err)
	}
	if re.SubexpIndex("subject") < 0 {
		return Project{}, fmt.Errorf("eventlog: project %s: pattern needs a (?P<subject>...) group", name)
	}
	return Project{Name: name, Match: re, Scheduled: time.Duration(scheduledMinutes) * time.Minute}, nil
}

// Store is the slice of the ledger the correlator reads and writes.
type Store interface {
	Query(ctx context.Context, f ledger.Filter) ([]ledger.Session, error)
	ExtendWindow(ctx context.Context, id string, w ledger.Window) error
	Update(ctx context.Context, id string, fn func(*ledger.Session) error) (ledger.Session, error)
	AddArtifacts(ctx context.Context, sessionID string, artifacts []ledger.Artifact) (int, error)
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Match records a segment attached to a session.
type Match struct {
	Segment  Segment
	Project  string
	Identity identity.Identity
	Session  ledger.Session
}

// Discard records a segment that could not be attached.
type Discard struct {
	Segment Segment
	Reason  string
}

// Report summarises one correlation run.
type Report struct {
	Segments  int
	Matched   []Match
	Discarded []Discard
	Behavior  []string
	Failures  []error
}

// Correlator attaches log segments to ledger sessions.
type Correlator struct {
	parser   *Parser
	projects []Project
	store    Store
	behavior *BehaviorIndex
	logger   Logger
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithLogger routes correlation logs.
func WithLogger(logger Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBehavior enables behavioral-log cross-referencing.
func WithBehavior(index *BehaviorIndex) Option {
	return func(c *Correlator) {
		c.behavior = index
	}
}

// New wires a Correlator.
func New(parser *Parser, projects []Project, store Store, opts ...Option) (*Correlator, error) {
	if parser == nil || store == nil {
		return nil, fmt.Errorf("eventlog: parser and store are required")
	}
	c := &Correlator{parser: parser, projects: projects, store: store, logger: nopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CorrelateFile opens path and runs Correlate.
func (c *Correlator) CorrelateFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()
	return c.Correlate(ctx, f)
}

// Correlate parses r and widens the matching sessions. Segments that match
// no project or no session are discarded with a warning, never attached to
// a guessed session.
func (c *Correlator) Correlate(ctx context.Context, r io.Reader) (Report, error) {
	segments, err := c.parser.Parse(r)
	if err != nil {
		return Report{}, err
	}
	report := Report{Segments: len(segments)}
	for _, seg := range segments {
		if ctx.Err() != nil {
			break
		}
		match, reason, err := c.attach(ctx, seg)
		switch {
		case err != nil:
			c.logger.Printf("eventlog: segment %s (%s): %v", seg.Start.Format(time.RFC3339), seg.Name, err)
			report.Failures = append(report.Failures, err)
		case reason != "":
			c.logger.Printf("eventlog: discarding segment %s name=%q: %s", seg.Start.Format(time.RFC3339), seg.Name, reason)
			report.Discarded = append(report.Discarded, Discard{Segment: seg, Reason: reason})
		default:
			report.Matched = append(report.Matched, match)
		}
	}
	if c.behavior != nil && len(report.Matched) > 0 {
		attached, failures := c.attachBehavior(ctx, report.Matched)
		report.Behavior = attached
		report.Failures = append(report.Failures, failures...)
	}
	return report, nil
}

func (c *Correlator) attach(ctx context.Context, seg Segment) (Match, string, error) {
	if seg.Name == "" {
		return Match{}, "no session name in segment", nil
	}
	project, subject, ok := c.resolveName(seg.Name)
	if !ok {
		return Match{}, "name matches no project", nil
	}
	date := seg.Start.Format(identity.DateLayout)
	candidates, err := c.store.Query(ctx, ledger.Filter{Subject: subject, Date: date})
	if err != nil {
		return Match{}, "", err
	}
	if len(candidates) == 0 {
		return Match{}, fmt.Sprintf("no ledger session for subject=%s date=%s", subject, date), nil
	}
	sess := nearest(candidates, seg)
	window := ledger.Window{
		Arrival:   seg.Arrival(),
		ScanStart: seg.ScanStart(),
		ScanEnd:   seg.AcqComplete,
		Departure: seg.End,
	}
	if err := c.store.ExtendWindow(ctx, sess.ID, window); err != nil {
		return Match{}, "", fmt.Errorf("extend %s: %w", sess.Identity(), err)
	}
	updated, err := c.store.Update(ctx, sess.ID, func(s *ledger.Session) error {
		reconcile(s, project)
		return nil
	})
	if err != nil {
		return Match{}, "", fmt.Errorf("reconcile %s: %w", sess.Identity(), err)
	}
	c.logger.Printf("eventlog: segment %s attached to %s", seg.Start.Format(time.RFC3339), updated.Identity())
	return Match{Segment: seg, Project: project.Name, Identity: updated.Identity(), Session: updated}, "", nil
}

func (c *Correlator) resolveName(name string) (Project, string, bool) {
	for _, p := range c.projects {
		m := p.Match.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		subject := strings.TrimSpace(m[p.Match.SubexpIndex("subject")])
		if subject != "" {
			return p, subject, true
		}
	}
	return Project{}, "", false
}

// reconcile derives billing durations from the widened window.
func reconcile(s *ledger.Session, project Project) {
	if s.Project == "" {
		s.Project = project.Name
	}
	if project.Scheduled > 0 {
		scheduled := project.Scheduled
		s.ScheduledDuration = &scheduled
	}
	if s.ArrivalTime != nil && s.DepartureTime != nil && s.DepartureTime.After(*s.ArrivalTime) {
		actual := s.DepartureTime.Sub(*s.ArrivalTime)
		s.ActualDuration = &actual
	}
	var charged time.Duration
	if s.ActualDuration != nil {
		charged = *s.ActualDuration
	}
	if s.ScheduledDuration != nil && *s.ScheduledDuration > charged {
		charged = *s.ScheduledDuration
	}
	if charged > 0 {
		s.ChargedTime = &charged
	}
}

// nearest picks the candidate whose scan window lies closest to seg.
// Sessions without a recorded window rank last.
func nearest(candidates []ledger.Session, seg Segment) ledger.Session {
	best := candidates[0]
	bestDist := windowDistance(best, seg)
	for _, cand := range candidates[1:] {
		if d := windowDistance(cand, seg); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}

func windowDistance(s ledger.Session, seg Segment) time.Duration {
	if s.ScanStart == nil || s.ScanEnd == nil {
		return time.Duration(1<<63 - 1)
	}
	return gap(*s.ScanStart, *s.ScanEnd, seg.Start, seg.End)
}

// gap is zero for overlapping intervals, else the distance between them.
func gap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	switch {
	case aEnd.Before(bStart):
		return bStart.Sub(aEnd)
	case bEnd.Before(aStart):
		return aStart.Sub(bEnd)
	default:
		return 0
	}
}
