package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/logbook"
	"github.com/kingrea/scanrelay/internal/stability"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
)

func sessionColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "Date", Width: 10},
		{Title: "Subject", Width: 12},
		{Title: "Session", Width: 10},
		{Title: "Project", Width: 12},
		{Title: "Scan", Width: 13},
		{Title: "Charged", Width: 8},
		{Title: "Data", Width: 8},
		{Title: "Checks", Width: 6},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	if extra := width - used; extra > 0 {
		fixed[1].Width += extra / 2
		fixed[3].Width += extra - extra/2
	}
	return fixed
}

func sessionRows(sessions []ledger.Session) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, table.Row{
			s.Date,
			s.Subject,
			s.Session,
			orDash(s.Project),
			fmt.Sprintf("%s-%s", clockTime(s.ScanStart), clockTime(s.ScanEnd)),
			minutes(s.ChargedTime),
			s.AllDataPresent.String(),
			fmt.Sprintf("%d", s.NumChecks),
		})
	}
	return rows
}

func stateLabel(state stability.State) string {
	switch state {
	case stability.Confirmed:
		return labelStyleReady.Render("CONFIRMED")
	case stability.StableSeen:
		return labelStyleGate.Render("SETTLING")
	case stability.Accumulating:
		return labelStyleRunning.Render("ACCUMULATING")
	case stability.HandedOff:
		return labelStyleGate.Render("PURGE PENDING")
	default:
		return labelStyleBlocked.Render(string(state))
	}
}

func levelLabel(level logbook.Level) string {
	switch level {
	case logbook.LevelError:
		return labelStyleBlocked.Render("ERROR")
	case logbook.LevelWarn:
		return labelStyleGate.Render("WARN ")
	default:
		return labelStyleRunning.Render("INFO ")
	}
}

func clockTime(t *time.Time) string {
	if t == nil {
		return "--:--"
	}
	return t.Format("15:04")
}

func minutes(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
