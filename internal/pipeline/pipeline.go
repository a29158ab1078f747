// Package pipeline runs the cooperative ingestion loop: scan the inbox,
// poll the archive, advance the state machine, hand off confirmed batches
// and audit completeness on its own cadence.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/scanrelay/internal/audit"
	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/metrics"
	"github.com/kingrea/scanrelay/internal/poller"
	"github.com/kingrea/scanrelay/internal/stability"
	"github.com/kingrea/scanrelay/internal/staging"
)

// Scanner is the filesystem ingestion path.
type Scanner interface {
	ScanOnce(ctx context.Context) staging.Report
}

// Poller is the archive ingestion path.
type Poller interface {
	PollOnce(ctx context.Context) poller.Report
}

// Tracker is the state machine surface the loop drives directly.
type Tracker interface {
	Tick(ctx context.Context)
	Ready() []stability.Batch
	Finalize(ctx context.Context, key string, handoff func(context.Context, stability.Batch) error) error
	Snapshot() []stability.Batch
}

// Handoff converts a filesystem batch.
type Handoff interface {
	Run(ctx context.Context, id identity.Identity, groups []string) ([]ledger.Artifact, error)
}

// Auditor evaluates incomplete sessions.
type Auditor interface {
	AuditAll(ctx context.Context, f ledger.Filter) (audit.Summary, error)
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// HandoffFailure records a batch whose hand-off failed this iteration.
type HandoffFailure struct {
	Identity identity.Identity
	Err      error
}

// Iteration reports one pass of the loop.
type Iteration struct {
	Started   time.Time
	Duration  time.Duration
	Scan      staging.Report
	Poll      *poller.Report
	HandedOff []identity.Identity
	Failed    []HandoffFailure
	Audit     *audit.Summary
}

// Runner owns the loop.
type Runner struct {
	scanner       Scanner
	poller        Poller
	tracker       Tracker
	handoff       Handoff
	auditor       Auditor
	metrics       *metrics.Metrics
	interval      time.Duration
	auditInterval time.Duration
	lastAudit     time.Time
	logger        Logger
	clock         func() time.Time
	onIteration   func(Iteration)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithPoller enables the archive path.
func WithPoller(p Poller) Option {
	return func(r *Runner) {
		r.poller = p
	}
}

// WithAuditor enables periodic audits every interval.
func WithAuditor(a Auditor, interval time.Duration) Option {
	return func(r *Runner) {
		r.auditor = a
		r.auditInterval = interval
	}
}

// WithMetrics records iteration results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger routes loop logs.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIterationHook is called after every iteration.
func WithIterationHook(fn func(Iteration)) Option {
	return func(r *Runner) {
		r.onIteration = fn
	}
}

// New wires a Runner polling every interval.
func New(scanner Scanner, tracker Tracker, handoff Handoff, interval time.Duration, opts ...Option) (*Runner, error) {
	if scanner == nil || tracker == nil || handoff == nil {
		return nil, fmt.Errorf("pipeline: scanner, tracker and handoff are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("pipeline: poll interval must be positive")
	}
	r := &Runner{
		scanner:  scanner,
		tracker:  tracker,
		handoff:  handoff,
		interval: interval,
		logger:   nopLogger{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run iterates until ctx is cancelled. Cancellation is honoured between
// iterations and between items; it is never an error.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			r.logger.Printf("pipeline: stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single iteration.
func (r *Runner) RunOnce(ctx context.Context) Iteration {
	it := Iteration{Started: r.clock()}
	it.Scan = r.scanner.ScanOnce(ctx)
	for _, f := range it.Scan.Failures {
		r.logger.Printf("pipeline: inbox item %s", f.Error())
	}
	if r.poller != nil && ctx.Err() == nil {
		report := r.poller.PollOnce(ctx)
		it.Poll = &report
		for _, f := range report.Failures {
			r.logger.Printf("pipeline: %s", f.Error())
		}
	}
	if ctx.Err() == nil {
		r.tracker.Tick(ctx)
		r.finalizeFilesystem(ctx, &it)
	}
	if r.auditDue(it.Started) && ctx.Err() == nil {
		sum, err := r.auditor.AuditAll(ctx, ledger.Filter{})
		if err != nil {
			r.logger.Printf("pipeline: audit: %v", err)
		} else {
			it.Audit = &sum
			r.lastAudit = it.Started
		}
	}
	it.Duration = r.clock().Sub(it.Started)
	r.record(it)
	if r.onIteration != nil {
		r.onIteration(it)
	}
	return it
}

func (r *Runner) finalizeFilesystem(ctx context.Context, it *Iteration) {
	for _, batch := range r.tracker.Ready() {
		if batch.Source != stability.SourceFilesystem {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		err := r.tracker.Finalize(ctx, batch.Key, func(ctx context.Context, b stability.Batch) error {
			_, err := r.handoff.Run(ctx, b.Identity, b.Groups)
			return err
		})
		if r.metrics != nil {
			r.metrics.RecordHandoff(err)
		}
		if err != nil {
			r.logger.Printf("pipeline: hand-off %s: %v", batch.Identity, err)
			it.Failed = append(it.Failed, HandoffFailure{Identity: batch.Identity, Err: err})
			continue
		}
		it.HandedOff = append(it.HandedOff, batch.Identity)
	}
}

func (r *Runner) auditDue(now time.Time) bool {
	if r.auditor == nil {
		return false
	}
	return r.lastAudit.IsZero() || now.Sub(r.lastAudit) >= r.auditInterval
}

func (r *Runner) record(it Iteration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordScan(len(it.Scan.Placed), len(it.Scan.Duplicates), len(it.Scan.Unclassified), len(it.Scan.Failures))
	if it.Poll != nil {
		r.metrics.RecordPoll(it.Poll.Sessions, len(it.Poll.Failures))
		for range it.Poll.HandedOff {
			r.metrics.RecordHandoff(nil)
		}
		for _, f := range it.Poll.Failures {
			if f.Handoff {
				r.metrics.RecordHandoff(f.Err)
			}
		}
	}
	if it.Audit != nil {
		r.metrics.RecordAudit(it.Audit.Complete, it.Audit.Incomplete, it.Audit.Escalated)
	}
	counts := make(map[string]int)
	for _, b := range r.tracker.Snapshot() {
		counts[string(b.State)]++
	}
	r.metrics.SetBatches(counts)
	r.metrics.ObserveIteration(it.Duration)
}
