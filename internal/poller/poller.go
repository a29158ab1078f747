// Package poller drives the archive ingestion path: it lists remote
// sessions, feeds their stability flag to the state machine, and for
// confirmed sessions downloads, converts and purges them.
package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/archive"
	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/stability"
)

// SessionLedger is the slice of the ledger the poller writes to.
type SessionLedger interface {
	Ensure(ctx context.Context, id identity.Identity, project string) (ledger.Session, error)
	ExtendWindow(ctx context.Context, id string, w ledger.Window) error
}

// Tracker is the state machine surface the poller drives.
type Tracker interface {
	Observe(ctx context.Context, obs stability.Observation) bool
	Signal(ctx context.Context, key string, stable bool) (stability.State, bool)
	Ready() []stability.Batch
	Finalize(ctx context.Context, key string, handoff func(context.Context, stability.Batch) error) error
}

// Handoff converts a confirmed session's groups.
type Handoff interface {
	Run(ctx context.Context, id identity.Identity, groups []string) ([]ledger.Artifact, error)
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Failure records a session ref that could not be processed this poll.
type Failure struct {
	Ref      string
	Identity identity.Identity
	Err      error
	// Handoff is set when a confirmed session failed to materialize or
	// convert.
	Handoff bool
}

func (f Failure) Error() string {
	if f.Identity.Subject == "" {
		return fmt.Sprintf("archive session %s: %v", f.Ref, f.Err)
	}
	return fmt.Sprintf("archive session %s (%s): %v", f.Ref, f.Identity, f.Err)
}

// Transient reports whether the failure is expected to clear on its own.
func (f Failure) Transient() bool {
	return errors.Is(f.Err, archive.ErrTransient)
}

// Report summarises one poll.
type Report struct {
	Sessions  int
	NewGroups int
	States    map[string]stability.State
	HandedOff []identity.Identity
	Failures  []Failure
}

// Poller owns one archive client.
type Poller struct {
	client  archive.Client
	ledger  SessionLedger
	tracker Tracker
	handoff Handoff
	sourced string
	logger  Logger
	clock   func() time.Time

	// purges holds refs already handed off whose remote copy is still
	// waiting to be purged.
	purges map[string]identity.Identity
	store  stability.Store
}

// Option customizes a Poller.
type Option func(*Poller)

// WithLogger routes poll logs.
func WithLogger(logger Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPurgeStore persists pending purges so a restart does not fetch a
// handed-off session again.
func WithPurgeStore(store stability.Store) Option {
	return func(p *Poller) {
		if store != nil {
			p.store = store
		}
	}
}

// New wires a Poller. Downloads land under sourced/<session-id>/<group>/.
func New(client archive.Client, store SessionLedger, tracker Tracker, handoff Handoff, sourced string, opts ...Option) (*Poller, error) {
	if client == nil || store == nil || tracker == nil || handoff == nil {
		return nil, fmt.Errorf("poller: client, ledger, tracker and handoff are required")
	}
	if strings.TrimSpace(sourced) == "" {
		return nil, fmt.Errorf("poller: sourced directory is required")
	}
	p := &Poller{
		client:  client,
		ledger:  store,
		tracker: tracker,
		handoff: handoff,
		sourced: sourced,
		logger:  nopLogger{},
		clock:   time.Now,
		purges:  make(map[string]identity.Identity),
		store:   stability.NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PollOnce runs one polling interval. Errors for one session never stop the
// others; a failed listing is reported and the poll ends early.
func (p *Poller) PollOnce(ctx context.Context) Report {
	report := Report{States: make(map[string]stability.State)}
	refs, err := p.client.ListSessions(ctx)
	if err != nil {
		p.logger.Printf("poller: list sessions: %v", err)
		report.Failures = append(report.Failures, Failure{Ref: "*", Err: err})
		return report
	}
	p.forgetPurged(ctx, refs)
	statuses := make(map[string]archive.Status, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			return report
		}
		report.Sessions++
		if id, ok := p.purges[ref.ID]; ok {
			if err := p.purge(ctx, ref, id); err != nil {
				report.Failures = append(report.Failures, Failure{Ref: ref.ID, Identity: id, Err: err})
			}
			continue
		}
		status, id, added, err := p.inspect(ctx, ref)
		if err != nil {
			p.logger.Printf("poller: %s: %v", ref, err)
			report.Failures = append(report.Failures, Failure{Ref: ref.ID, Identity: id, Err: err})
			continue
		}
		statuses[ref.ID] = status
		report.NewGroups += added
		state, _ := p.tracker.Signal(ctx, stability.ArchiveKey(ref.ID), status.Stable)
		report.States[ref.ID] = state
	}
	for _, batch := range p.tracker.Ready() {
		if batch.Source != stability.SourceArchive {
			continue
		}
		if ctx.Err() != nil {
			return report
		}
		if err := p.finalize(ctx, batch, statuses); err != nil {
			report.Failures = append(report.Failures, Failure{Ref: batch.ArchiveRef, Identity: batch.Identity, Err: err, Handoff: true})
			continue
		}
		report.HandedOff = append(report.HandedOff, batch.Identity)
		ref := archive.SessionRef{ID: batch.ArchiveRef}
		if err := p.purge(ctx, ref, batch.Identity); err != nil {
			report.Failures = append(report.Failures, Failure{Ref: ref.ID, Identity: batch.Identity, Err: err})
		}
	}
	return report
}

func (p *Poller) inspect(ctx context.Context, ref archive.SessionRef) (archive.Status, identity.Identity, int, error) {
	status, err := p.client.Status(ctx, ref)
	if err != nil {
		return archive.Status{}, identity.Identity{}, 0, err
	}
	id, err := identity.Resolve(status.Header)
	if err != nil {
		return archive.Status{}, identity.Identity{}, 0, err
	}
	sess, err := p.ledger.Ensure(ctx, id, "")
	if err != nil {
		return archive.Status{}, id, 0, fmt.Errorf("ledger ensure: %w", err)
	}
	if at, ok := identity.AcquiredAt(status.Header); ok {
		if err := p.ledger.ExtendWindow(ctx, sess.ID, ledger.Window{ScanStart: at, ScanEnd: at}); err != nil {
			return archive.Status{}, id, 0, fmt.Errorf("ledger window: %w", err)
		}
	}
	sessionDir := filepath.Join(p.sourced, id.ID())
	added := 0
	for _, group := range status.Groups() {
		name := safeName(group)
		if name == "" {
			continue
		}
		obs := stability.Observation{
			Key:        stability.ArchiveKey(ref.ID),
			Identity:   id,
			Source:     stability.SourceArchive,
			Group:      filepath.Join(sessionDir, name),
			ArchiveRef: ref.ID,
			SourcedDir: sessionDir,
			At:         p.clock(),
		}
		if p.tracker.Observe(ctx, obs) {
			added++
		}
	}
	return status, id, added, nil
}

// Resume reloads pending purges recorded by an earlier process.
func (p *Poller) Resume(ctx context.Context) (int, error) {
	loaded, err := p.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("poller: resume purges: %w", err)
	}
	for _, b := range loaded {
		if b.State == stability.HandedOff && b.Source == stability.SourceArchive && b.ArchiveRef != "" {
			p.purges[b.ArchiveRef] = b.Identity
		}
	}
	return len(p.purges), nil
}

// Pending reports the refs handed off but not yet purged.
func (p *Poller) Pending() []string {
	refs := make([]string, 0, len(p.purges))
	for ref := range p.purges {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// purge removes the remote copy of a handed-off session. On failure the ref
// is kept so later polls retry the purge alone.
func (p *Poller) purge(ctx context.Context, ref archive.SessionRef, id identity.Identity) error {
	key := stability.ArchiveKey(ref.ID)
	_, pending := p.purges[ref.ID]
	if err := p.client.Purge(ctx, ref); err != nil {
		p.logger.Printf("poller: purge %s (%s): %v", ref, id, err)
		if !pending {
			p.purges[ref.ID] = id
			marker := stability.Batch{
				Key:        key,
				Identity:   id,
				Source:     stability.SourceArchive,
				ArchiveRef: ref.ID,
				State:      stability.HandedOff,
				LastError:  err.Error(),
			}
			if serr := p.store.Save(ctx, marker); serr != nil {
				p.logger.Printf("poller: record pending purge %s (%s): %v", ref, id, serr)
			}
		}
		return fmt.Errorf("purge: %w", err)
	}
	if pending {
		delete(p.purges, ref.ID)
		if err := p.store.Delete(ctx, key); err != nil {
			p.logger.Printf("poller: drop pending purge %s (%s): %v", ref, id, err)
		}
		p.logger.Printf("poller: purged %s (%s) after retry", ref, id)
	}
	return nil
}

// forgetPurged drops pending purges for refs the archive no longer lists.
func (p *Poller) forgetPurged(ctx context.Context, refs []archive.SessionRef) {
	if len(p.purges) == 0 {
		return
	}
	listed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		listed[ref.ID] = true
	}
	for ref, id := range p.purges {
		if listed[ref] {
			continue
		}
		delete(p.purges, ref)
		if err := p.store.Delete(ctx, stability.ArchiveKey(ref)); err != nil {
			p.logger.Printf("poller: drop pending purge %s (%s): %v", ref, id, err)
		}
	}
}

// finalize materializes the session locally and hands it off.
func (p *Poller) finalize(ctx context.Context, batch stability.Batch, statuses map[string]archive.Status) error {
	ref := archive.SessionRef{ID: batch.ArchiveRef}
	return p.tracker.Finalize(ctx, batch.Key, func(ctx context.Context, b stability.Batch) error {
		status, ok := statuses[ref.ID]
		if !ok {
			var err error
			if status, err = p.client.Status(ctx, ref); err != nil {
				return err
			}
		}
		if err := p.download(ctx, ref, b, status.Items); err != nil {
			return err
		}
		_, err := p.handoff.Run(ctx, b.Identity, b.Groups)
		return err
	})
}

func (p *Poller) download(ctx context.Context, ref archive.SessionRef, b stability.Batch, items []archive.Item) error {
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		group, name := safeName(item.Group), safeName(item.Name)
		if group == "" || name == "" {
			p.logger.Printf("poller: skipping item %s of %s (%s): no group or name", item.ID, ref, b.Identity)
			continue
		}
		dest := filepath.Join(b.SourcedDir, group, name)
		if err := p.client.Download(ctx, ref, item, dest); err != nil {
			return fmt.Errorf("download %s: %w", item.ID, err)
		}
	}
	return nil
}

func safeName(value string) string {
	value = filepath.Base(strings.TrimSpace(value))
	if value == "." || value == ".." || value == string(filepath.Separator) {
		return ""
	}
	return value
}
