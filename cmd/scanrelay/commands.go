package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/scanrelay/internal/config"
	"github.com/kingrea/scanrelay/internal/metrics"
	"github.com/kingrea/scanrelay/internal/pipeline"
	"github.com/kingrea/scanrelay/internal/stability"
	"github.com/kingrea/scanrelay/internal/statusserver"
	"github.com/kingrea/scanrelay/internal/tui"
)

func runInit(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = cwd
	}
	if err := config.InitDir(dir); err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", cfg.StateRoot)
	fmt.Fprintf(cmd.OutOrStdout(), "  config:  %s\n", cfg.ConfigPath())
	fmt.Fprintf(cmd.OutOrStdout(), "  ledger:  %s\n", cfg.LedgerPath())
	fmt.Fprintf(cmd.OutOrStdout(), "  inbox:   %s\n", cfg.Project.Inbox.Root)
	return nil
}

func runLoop(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.resume(ctx); err != nil {
		return err
	}

	watcher, err := rt.newWatcher()
	if err != nil {
		return err
	}
	h, err := rt.newHandoff()
	if err != nil {
		return err
	}
	m := metrics.New()
	opts := []pipeline.Option{
		pipeline.WithMetrics(m),
		pipeline.WithLogger(rt.logger),
		pipeline.WithIterationHook(func(it pipeline.Iteration) { logIteration(rt, it) }),
	}
	p, err := rt.newPoller(ctx, h)
	if err != nil {
		return err
	}
	if p != nil {
		opts = append(opts, pipeline.WithPoller(p))
	}
	auditor, err := rt.newAuditor()
	switch {
	case errors.Is(err, errNoManifest):
		rt.logger.Printf("scanrelay: auditing disabled: %v", err)
	case err != nil:
		return err
	default:
		opts = append(opts, pipeline.WithAuditor(auditor, rt.cfg.Project.AuditInterval.Std()))
	}
	runner, err := pipeline.New(watcher, rt.tracker, h, rt.cfg.Project.PollInterval.Std(), opts...)
	if err != nil {
		return err
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		runner.RunOnce(ctx)
		return nil
	}

	server := statusserver.NewServer(statusserver.SettingsFromConfig(rt.cfg), rt.store,
		statusserver.WithBatches(rt.tracker),
		statusserver.WithMetrics(m.Handler()),
		statusserver.WithLogger(rt.logger))
	switch err := server.Start(ctx); {
	case errors.Is(err, statusserver.ErrDisabled):
	case err != nil:
		return err
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Status server on %s\n", server.BaseURL())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				rt.logger.Printf("scanrelay: status server shutdown: %v", err)
			}
		}()
	}

	rt.logger.Printf("scanrelay: watching %s every %s", rt.cfg.Project.Inbox.Root, rt.cfg.Project.PollInterval.Std())
	return runner.Run(ctx)
}

func logIteration(rt *runtime, it pipeline.Iteration) {
	placed := len(it.Scan.Placed) + len(it.Scan.Duplicates)
	if placed == 0 && len(it.HandedOff) == 0 && len(it.Failed) == 0 && it.Audit == nil {
		return
	}
	line := fmt.Sprintf("scanrelay: iteration placed=%d handed_off=%d failed=%d", placed, len(it.HandedOff), len(it.Failed))
	if it.Poll != nil {
		line += fmt.Sprintf(" archive_sessions=%d", it.Poll.Sessions)
	}
	if it.Audit != nil {
		line += fmt.Sprintf(" audited=%d incomplete=%d", it.Audit.Audited, it.Audit.Incomplete)
	}
	rt.logger.Printf("%s (%s)", line, it.Duration.Round(time.Millisecond))
}

func runScan(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()
	if err := rt.resume(ctx); err != nil {
		return err
	}
	watcher, err := rt.newWatcher()
	if err != nil {
		return err
	}
	report := watcher.ScanOnce(ctx)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d item(s): %d placed, %d duplicate, %d unclassified, %d failed\n",
		report.Scanned, len(report.Placed), len(report.Duplicates), len(report.Unclassified), len(report.Failures))
	for _, p := range report.Placed {
		fmt.Fprintf(out, "  + %s -> %s\n", p.Source, p.Destination)
	}
	for _, path := range report.Unclassified {
		fmt.Fprintf(out, "  ? %s\n", path)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  ! %s\n", f.Error())
	}
	return nil
}

func runPoll(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()
	if err := rt.resume(ctx); err != nil {
		return err
	}
	h, err := rt.newHandoff()
	if err != nil {
		return err
	}
	p, err := rt.newPoller(ctx, h)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("archive polling is disabled (set archive.enabled or SCANRELAY_ARCHIVE_URL)")
	}
	report := p.PollOnce(ctx)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Inspected %d archive session(s), %d new group(s), %d handed off\n",
		report.Sessions, report.NewGroups, len(report.HandedOff))
	for ref, state := range report.States {
		fmt.Fprintf(out, "  %s %s\n", ref, state)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  ! %s\n", f.Error())
	}
	return nil
}

func runAudit(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	auditor, err := rt.newAuditor()
	if err != nil {
		return err
	}
	sum, err := auditor.AuditAll(cmd.Context(), filterFromFlags(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Audited %d session(s): %d complete, %d incomplete, %d escalated\n",
		sum.Audited, sum.Complete, sum.Incomplete, sum.Escalated)
	for _, f := range sum.Failures {
		fmt.Fprintf(cmd.OutOrStdout(), "  ! %v\n", f)
	}
	return nil
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	correlator, err := rt.newCorrelator()
	if err != nil {
		return err
	}
	report, err := correlator.CorrelateFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d segment(s): %d matched, %d discarded, %d behavioral log(s) attached\n",
		report.Segments, len(report.Matched), len(report.Discarded), len(report.Behavior))
	for _, m := range report.Matched {
		fmt.Fprintf(out, "  = %s [%s] %s\n", m.Identity, m.Project, m.Segment.Start.Format(time.DateTime))
	}
	for _, d := range report.Discarded {
		fmt.Fprintf(out, "  - %s: %s\n", d.Segment.Start.Format(time.DateTime), d.Reason)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  ! %v\n", f)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()
	sessions, err := rt.store.Query(ctx, filterFromFlags(cmd))
	if err != nil {
		return err
	}
	batches, err := stability.NewLedgerStore(rt.store).Load(ctx)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeStatusJSON(cmd.OutOrStdout(), sessions, batches)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(sessions, batches))
	return nil
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	app := tui.NewApp(rt.store,
		tui.WithBatches(stability.NewLedgerStore(rt.store)),
		tui.WithLogbook(rt.book))
	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run monitor: %w", err)
	}
	return nil
}
