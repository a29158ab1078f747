// Package audit compares a session's catalogued artifacts with the
// expected-deliverables manifest and nags operators until the session is
// complete. Sessions already confirmed complete are never touched again.
package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/notify"
)

// Found pairs a satisfied rule with the artifacts that satisfied it.
type Found struct {
	Rule      string   `json:"rule"`
	Artifacts []string `json:"artifacts"`
}

// Result is the pure evaluation of a manifest against a session.
type Result struct {
	Found    []Found  `json:"found"`
	Missing  []string `json:"missing"`
	Complete bool     `json:"complete"`
}

// Evaluate computes found and missing. Rules scoped to other sessions are in
// neither list; optional rules never count as missing.
func Evaluate(m *Manifest, sess ledger.Session, arts []ledger.Artifact) (Result, error) {
	var res Result
	for _, rule := range m.Expected {
		if !rule.AppliesTo(sess.Session) {
			continue
		}
		var matched []string
		for _, art := range arts {
			ok, err := rule.Match(sess, art)
			if err != nil {
				return Result{}, err
			}
			if ok {
				matched = append(matched, art.Path)
			}
		}
		switch {
		case len(matched) > 0:
			res.Found = append(res.Found, Found{Rule: rule.Name, Artifacts: matched})
		case rule.IsRequired():
			res.Missing = append(res.Missing, rule.Name)
		}
	}
	res.Complete = len(res.Missing) == 0
	return res, nil
}

// Store is the slice of the ledger the auditor needs.
type Store interface {
	Get(ctx context.Context, id string) (ledger.Session, error)
	Query(ctx context.Context, f ledger.Filter) ([]ledger.Session, error)
	Artifacts(ctx context.Context, sessionID string) ([]ledger.Artifact, error)
	RecordAudit(ctx context.Context, id string, complete bool) (ledger.AuditOutcome, error)
}

// Notifier receives incomplete-session notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Outcome reports one session audit.
type Outcome struct {
	Session   ledger.Session
	Result    Result
	NumChecks int
	Escalated bool
	Skipped   bool
}

// Summary aggregates an AuditAll run.
type Summary struct {
	Audited    int
	Complete   int
	Incomplete int
	Escalated  int
	Failures   []error
}

// Auditor applies the manifest to ledger sessions.
type Auditor struct {
	manifest      *Manifest
	store         Store
	notifier      Notifier
	escalateAfter int
	logger        Logger
}

// Option customizes an Auditor.
type Option func(*Auditor)

// WithLogger routes audit logs.
func WithLogger(logger Logger) Option {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithEscalateAfter sets the num_checks threshold for escalation.
func WithEscalateAfter(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.escalateAfter = n
		}
	}
}

// New wires an Auditor.
func New(manifest *Manifest, store Store, notifier Notifier, opts ...Option) (*Auditor, error) {
	if manifest == nil || store == nil || notifier == nil {
		return nil, fmt.Errorf("audit: manifest, store and notifier are required")
	}
	a := &Auditor{manifest: manifest, store: store, notifier: notifier, escalateAfter: 3, logger: nopLogger{}}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Audit evaluates one session. A session already marked complete is
// skipped before anything is written or sent.
func (a *Auditor) Audit(ctx context.Context, sessionID string) (Outcome, error) {
	sess, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if sess.AllDataPresent == ledger.PresenceTrue {
		return Outcome{Session: sess, NumChecks: sess.NumChecks, Skipped: true}, nil
	}
	arts, err := a.store.Artifacts(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("audit: artifacts for %s: %w", sess.Identity(), err)
	}
	res, err := Evaluate(a.manifest, sess, arts)
	if err != nil {
		return Outcome{}, fmt.Errorf("audit: evaluate %s: %w", sess.Identity(), err)
	}
	recorded, err := a.store.RecordAudit(ctx, sessionID, res.Complete)
	if err != nil {
		return Outcome{}, fmt.Errorf("audit: record %s: %w", sess.Identity(), err)
	}
	out := Outcome{Session: sess, Result: res, NumChecks: recorded.NumChecks, Skipped: recorded.Skipped}
	if recorded.Skipped || res.Complete {
		if res.Complete && !recorded.Skipped {
			a.logger.Printf("audit: %s complete after %d checks", sess.Identity(), recorded.NumChecks)
		}
		return out, nil
	}
	out.Escalated = recorded.NumChecks >= a.escalateAfter
	a.notifier.Notify(ctx, a.notification(sess, res, recorded.NumChecks, out.Escalated))
	a.logger.Printf("audit: %s incomplete (check %d), missing %s", sess.Identity(), recorded.NumChecks, strings.Join(res.Missing, ", "))
	return out, nil
}

// AuditAll audits every session not yet confirmed complete that matches f.
// Per-session failures are collected, never fatal.
func (a *Auditor) AuditAll(ctx context.Context, f ledger.Filter) (Summary, error) {
	f.Incomplete = true
	sessions, err := a.store.Query(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("audit: query sessions: %w", err)
	}
	var sum Summary
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		out, err := a.Audit(ctx, sess.ID)
		if err != nil {
			a.logger.Printf("audit: %s: %v", sess.Identity(), err)
			sum.Failures = append(sum.Failures, err)
			continue
		}
		if out.Skipped {
			continue
		}
		sum.Audited++
		if out.Result.Complete {
			sum.Complete++
			continue
		}
		sum.Incomplete++
		if out.Escalated {
			sum.Escalated++
		}
	}
	return sum, nil
}

func (a *Auditor) notification(sess ledger.Session, res Result, checks int, escalated bool) notify.Notification {
	var body strings.Builder
	fmt.Fprintf(&body, "Session %s is missing expected data (check %d).\n", sess.Identity(), checks)
	body.WriteString("Missing:\n")
	for _, name := range res.Missing {
		fmt.Fprintf(&body, "- %s\n", name)
	}
	if len(res.Found) > 0 {
		body.WriteString("Found:\n")
		for _, found := range res.Found {
			fmt.Fprintf(&body, "- %s (%d)\n", found.Rule, len(found.Artifacts))
		}
	}
	return notify.Notification{
		Subject:   fmt.Sprintf("Incomplete session %s", sess.Identity().Key()),
		Body:      body.String(),
		Priority:  notify.PriorityNormal,
		Escalated: escalated,
		SessionID: sess.ID,
	}
}
