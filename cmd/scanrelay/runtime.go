package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/scanrelay/internal/archive"
	"github.com/kingrea/scanrelay/internal/audit"
	"github.com/kingrea/scanrelay/internal/config"
	"github.com/kingrea/scanrelay/internal/eventlog"
	"github.com/kingrea/scanrelay/internal/fsx"
	"github.com/kingrea/scanrelay/internal/handoff"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/logbook"
	"github.com/kingrea/scanrelay/internal/logging"
	"github.com/kingrea/scanrelay/internal/notify"
	"github.com/kingrea/scanrelay/internal/poller"
	"github.com/kingrea/scanrelay/internal/stability"
	"github.com/kingrea/scanrelay/internal/staging"
)

const (
	archiveRetries   = 3
	archiveBackoff   = time.Second
	defaultTolerance = 30 * time.Minute
)

var errNoManifest = errors.New("no completeness manifest")

// runtime bundles the long-lived collaborators every subcommand shares.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *ledger.Store
	tracker *stability.Tracker
	book    *logbook.Logbook
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dir = cwd
	}
	if err := config.InitDir(dir); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", config.Dir, err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	var logOpts []logging.Option
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logOpts = append(logOpts, logging.WithTee(os.Stderr))
	}
	logger, err := logging.New(cfg.ProjectDir, logOpts...)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		logger.Close()
		return nil, err
	}
	book, err := logbook.New(cfg.NotificationsPath())
	if err != nil {
		store.Close()
		logger.Close()
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, store: store, book: book}
	rt.tracker = stability.New(cfg.SettlePeriod(), cfg.Project.Inbox.QuietPeriod.Std(),
		stability.WithStore(stability.NewLedgerStore(store)),
		stability.WithLogger(logger))
	return rt, nil
}

// resume reloads persisted batches so confirmed work is retried without
// waiting out the settle period again.
func (rt *runtime) resume(ctx context.Context) error {
	n, err := rt.tracker.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume batches: %w", err)
	}
	if n > 0 {
		rt.logger.Printf("scanrelay: resumed %d pending batch(es)", n)
	}
	return nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Printf("scanrelay: close ledger: %v", err)
	}
	rt.logger.Close()
}

func (rt *runtime) newWatcher() (*staging.Watcher, error) {
	p := rt.cfg.Project
	policy, err := staging.NewPolicy(p.Naming.Root, p.Naming.Pattern)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Inbox.Root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure inbox: %w", err)
	}
	return staging.New(p.Inbox.Root, staging.NewClassifier(p.Inbox.Types), policy, rt.store, rt.tracker,
		staging.WithLogger(rt.logger))
}

func (rt *runtime) newHandoff() (*handoff.Handoff, error) {
	c := rt.cfg.Project.Converter
	converter, err := handoff.NewCommandConverter(c.Command, c.Output, c.Timeout.Std())
	if err != nil {
		return nil, err
	}
	return handoff.New(converter, rt.store, handoff.WithLogger(rt.logger))
}

// newPoller returns nil when the archive path is disabled.
func (rt *runtime) newPoller(ctx context.Context, h poller.Handoff) (*poller.Poller, error) {
	a := rt.cfg.Project.Archive
	if !a.Enabled {
		return nil, nil
	}
	client, err := archive.NewHTTPClient(a.BaseURL,
		archive.WithToken(a.Token),
		archive.WithTimeout(a.Timeout.Std()),
		archive.WithRetry(archiveRetries, archiveBackoff))
	if err != nil {
		return nil, err
	}
	p, err := poller.New(client, rt.store, rt.tracker, h, rt.cfg.SourcedDir(),
		poller.WithPurgeStore(stability.NewLedgerStore(rt.store)),
		poller.WithLogger(rt.logger))
	if err != nil {
		return nil, err
	}
	n, err := p.Resume(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		rt.logger.Printf("scanrelay: %d archive session(s) awaiting purge", n)
	}
	return p, nil
}

func (rt *runtime) newDispatcher() *notify.Dispatcher {
	n := rt.cfg.Project.Notify
	opts := []notify.Option{
		notify.WithSink(notify.NewLogbookSink(rt.book)),
		notify.WithLogger(rt.logger),
	}
	if n.WebhookURL != "" {
		opts = append(opts, notify.WithSink(notify.NewWebhookSink(n.WebhookURL, nil)))
	}
	if n.EscalationWebhookURL != "" {
		opts = append(opts, notify.WithEscalationSink(notify.NewWebhookSink(n.EscalationWebhookURL, nil)))
	}
	return notify.NewDispatcher(opts...)
}

func (rt *runtime) newAuditor() (*audit.Auditor, error) {
	p := rt.cfg.Project
	if p.Manifest == "" {
		return nil, errNoManifest
	}
	if !fsx.Exists(p.Manifest) {
		return nil, fmt.Errorf("%w: %s does not exist", errNoManifest, p.Manifest)
	}
	manifest, err := audit.LoadManifest(p.Manifest)
	if err != nil {
		return nil, err
	}
	return audit.New(manifest, rt.store, rt.newDispatcher(),
		audit.WithEscalateAfter(p.Notify.EscalateAfter),
		audit.WithLogger(rt.logger))
}

func (rt *runtime) newCorrelator() (*eventlog.Correlator, error) {
	e := rt.cfg.Project.EventLog
	markers, err := eventlog.CompileMarkers(e.Markers.SessionStart, e.Markers.OperatorStart,
		e.Markers.AcquisitionReady, e.Markers.AcquisitionStart, e.Markers.AcquisitionComplete)
	if err != nil {
		return nil, err
	}
	parser, err := eventlog.NewParser(e.TimestampLayout, markers, e.Name)
	if err != nil {
		return nil, err
	}
	projects := make([]eventlog.Project, 0, len(rt.cfg.Project.Projects))
	for _, ref := range rt.cfg.Project.Projects {
		project, err := eventlog.NewProject(ref.Name, ref.Match, ref.ScheduledMinutes)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	opts := []eventlog.Option{eventlog.WithLogger(rt.logger)}
	if e.Behavior.Dir != "" {
		tolerance := e.Behavior.Tolerance.Std()
		if tolerance <= 0 {
			tolerance = defaultTolerance
		}
		opts = append(opts, eventlog.WithBehavior(eventlog.NewBehaviorIndex(e.Behavior.Dir, e.Behavior.Glob, tolerance)))
	}
	return eventlog.New(parser, projects, rt.store, opts...)
}

func filterFromFlags(cmd *cobra.Command) ledger.Filter {
	get := func(name string) string {
		value, _ := cmd.Flags().GetString(name)
		return value
	}
	f := ledger.Filter{
		Subject: get("subject"),
		Session: get("session"),
		Project: get("project"),
		Date:    get("date"),
		From:    get("from"),
		To:      get("to"),
	}
	if cmd.Flags().Lookup("incomplete") != nil {
		f.Incomplete, _ = cmd.Flags().GetBool("incomplete")
	}
	return f
}
