package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/stability"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	missingStyle  = cellStyle.Foreground(lipgloss.Color("#FF6B6B"))
	completeStyle = cellStyle.Foreground(lipgloss.Color("#4CAF50"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type statusPayload struct {
	Sessions []ledger.Session  `json:"sessions"`
	Batches  []stability.Batch `json:"batches"`
}

func writeStatusJSON(w io.Writer, sessions []ledger.Session, batches map[string]stability.Batch) error {
	payload := statusPayload{Sessions: sessions, Batches: sortedBatches(batches)}
	if payload.Sessions == nil {
		payload.Sessions = []ledger.Session{}
	}
	if payload.Batches == nil {
		payload.Batches = []stability.Batch{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func renderStatus(sessions []ledger.Session, batches map[string]stability.Batch) string {
	var b strings.Builder
	if len(sessions) == 0 {
		b.WriteString(mutedStyle.Render("No sessions in the ledger."))
	} else {
		b.WriteString(sessionTable(sessions))
	}
	if pending := sortedBatches(batches); len(pending) > 0 {
		b.WriteString("\n\n")
		b.WriteString(batchTable(pending))
	}
	return b.String()
}

func sessionTable(sessions []ledger.Session) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Date,
			s.Subject,
			s.Session,
			dash(s.Project),
			clock(s.ScanStart) + "-" + clock(s.ScanEnd),
			mins(s.ScheduledDuration),
			mins(s.ActualDuration),
			mins(s.ChargedTime),
			s.AllDataPresent.String(),
			strconv.Itoa(s.NumChecks),
		})
	}
	const dataCol = 8
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		Headers("DATE", "SUBJECT", "SESSION", "PROJECT", "SCAN", "SCHED", "ACTUAL", "CHARGED", "DATA", "CHECKS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == dataCol && row >= 0 && row < len(sessions) {
				switch sessions[row].AllDataPresent {
				case ledger.PresenceTrue:
					return completeStyle
				case ledger.PresenceFalse:
					return missingStyle
				}
			}
			return cellStyle
		})
	return t.Render()
}

func batchTable(batches []stability.Batch) string {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		lastErr := b.LastError
		if len(lastErr) > 48 {
			lastErr = lastErr[:45] + "..."
		}
		rows = append(rows, []string{
			b.Identity.String(),
			string(b.Source),
			string(b.State),
			strconv.Itoa(len(b.Groups)),
			b.LastItemAt.Local().Format(time.DateTime),
			strconv.Itoa(b.Attempts),
			dash(lastErr),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))).
		Headers("PENDING", "SOURCE", "STATE", "GROUPS", "LAST ITEM", "ATTEMPTS", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func sortedBatches(batches map[string]stability.Batch) []stability.Batch {
	out := make([]stability.Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func clock(t *time.Time) string {
	if t == nil {
		return "--:--"
	}
	return t.Format("15:04")
}

func mins(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
