// cmd/scanrelay/main.go
//
// Entry point for the scanrelay CLI. Every subcommand works against the
// .scanrelay/ directory of the project directory (--dir, default cwd).
//
//	scanrelay init                  create .scanrelay/ and a default config
//	scanrelay run                   the ingestion loop, until SIGINT/SIGTERM
//	scanrelay scan | poll | audit   one pass of a single stage
//	scanrelay correlate <log>       attach event log segments to sessions
//	scanrelay status                print the ledger
//	scanrelay monitor               live TUI over the ledger

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "scanrelay",
		Short: "Ingest, group and audit imaging acquisition sessions",
		Long: `scanrelay watches a staging inbox and a remote archive, groups acquired
items into sessions, waits until each session has stopped changing, hands
it to the converter and audits the ledger for missing data.

State lives in .scanrelay/ beneath the project directory.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("dir", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Mirror log lines to stderr")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create .scanrelay/ with a default config",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion loop until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runLoop,
	}
	runCmd.Flags().Bool("once", false, "Run a single iteration and exit")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the inbox once and place classified items",
		Args:  cobra.NoArgs,
		RunE:  runScan,
	}

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the remote archive once",
		Args:  cobra.NoArgs,
		RunE:  runPoll,
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit incomplete sessions against the manifest",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}
	addFilterFlags(auditCmd)

	correlateCmd := &cobra.Command{
		Use:   "correlate <log>",
		Short: "Attach scanner event log segments to ledger sessions",
		Args:  cobra.ExactArgs(1),
		RunE:  runCorrelate,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List ledger sessions",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	addFilterFlags(statusCmd)
	statusCmd.Flags().Bool("incomplete", false, "Only sessions not confirmed complete")
	statusCmd.Flags().Bool("json", false, "Print machine-readable output")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the live session board",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}

	rootCmd.AddCommand(initCmd, runCmd, scanCmd, pollCmd, auditCmd, correlateCmd, statusCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("subject", "", "Filter by subject")
	cmd.Flags().String("session", "", "Filter by session label")
	cmd.Flags().String("project", "", "Filter by project")
	cmd.Flags().String("date", "", "Filter by acquisition date (YYYYMMDD)")
	cmd.Flags().String("from", "", "Earliest acquisition date (YYYYMMDD)")
	cmd.Flags().String("to", "", "Latest acquisition date (YYYYMMDD)")
}
