// internal/tui/app.go
//
// This is the monitor TUI for scanrelay.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the latest ledger snapshot plus UI state
// 2. Update: refresh results, ticks and key presses change the model
// 3. View: the model rendered as a status board
//
// The monitor only reads; the run loop owns every write.

package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/logbook"
	"github.com/kingrea/scanrelay/internal/stability"
)

const boardRefreshInterval = 3 * time.Second

// Sessions is the ledger read surface the monitor needs.
type Sessions interface {
	Query(ctx context.Context, f ledger.Filter) ([]ledger.Session, error)
}

// Batches loads persisted state machine batches.
type Batches interface {
	Load(ctx context.Context) (map[string]stability.Batch, error)
}

type refreshMsg struct {
	sessions []ledger.Session
	batches  []stability.Batch
	at       time.Time
	err      error
}

type tickMsg struct{}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithBatches shows pending batches beside the session table.
func WithBatches(b Batches) AppOption {
	return func(a *App) {
		a.batches = b
	}
}

// WithLogbook shows the notification journal tail.
func WithLogbook(book *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = book
	}
}

// WithClock controls timestamps in tests.
func WithClock(clock func() time.Time) AppOption {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// App is the monitor model. In bubbletea, this holds ALL the state.
type App struct {
	sessions Sessions
	batches  Batches
	logbook  *logbook.Logbook
	clock    func() time.Time

	table          table.Model
	rows           []ledger.Session
	pending        []stability.Batch
	incompleteOnly bool
	lastRefresh    time.Time
	boardErr       string
	statusMsg      string

	width  int
	height int
}

// NewApp builds the monitor over the ledger.
func NewApp(sessions Sessions, opts ...AppOption) *App {
	t := table.New(
		table.WithColumns(sessionColumns(100)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	t.SetStyles(styles)
	a := &App{
		sessions:  sessions,
		clock:     time.Now,
		table:     t,
		statusMsg: "q quit · r refresh · i toggle incomplete only",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetColumns(sessionColumns(msg.Width - 6))
		a.table.SetHeight(max(5, msg.Height-18))
		return a, nil

	case refreshMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.rows = msg.sessions
			a.pending = msg.batches
			a.lastRefresh = msg.at
			a.table.SetRows(sessionRows(msg.sessions))
		}
		return a, a.scheduleRefresh()

	case tickMsg:
		return a, a.fetchSnapshot()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		case "i":
			a.incompleteOnly = !a.incompleteOnly
			if a.incompleteOnly {
				a.statusMsg = "Showing incomplete sessions"
			} else {
				a.statusMsg = "Showing all sessions"
			}
			return a, a.fetchSnapshot()
		}
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

// View renders the current state to a string.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ SCANRELAY")
	summary := a.renderSummary()
	tableBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Render(a.table.View())
	sections := []string{header, summary, tableBox}
	if detail := a.renderDetail(); detail != "" {
		sections = append(sections, detail)
	}
	if pending := a.renderPending(); pending != "" {
		sections = append(sections, pending)
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderSummary() string {
	var complete, incomplete, unknown int
	for _, s := range a.rows {
		switch s.AllDataPresent {
		case ledger.PresenceTrue:
			complete++
		case ledger.PresenceFalse:
			incomplete++
		default:
			unknown++
		}
	}
	line := fmt.Sprintf("%d session(s) · %d complete · %d incomplete · %d unaudited", len(a.rows), complete, incomplete, unknown)
	if !a.lastRefresh.IsZero() {
		line += fmt.Sprintf(" · refreshed %s ago", humanizeDuration(a.clock().Sub(a.lastRefresh)))
	}
	if a.boardErr != "" {
		line += fmt.Sprintf("\n⚠ %s", a.boardErr)
	}
	return line
}

func (a *App) renderDetail() string {
	if len(a.rows) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No sessions in the ledger yet.")
	}
	idx := a.table.Cursor()
	if idx < 0 || idx >= len(a.rows) {
		return ""
	}
	s := a.rows[idx]
	lines := []string{
		fmt.Sprintf("%s · project %s", s.Identity(), orDash(s.Project)),
		fmt.Sprintf("Arrival %s · Departure %s", clockTime(s.ArrivalTime), clockTime(s.DepartureTime)),
		fmt.Sprintf("Scan %s → %s", clockTime(s.ScanStart), clockTime(s.ScanEnd)),
		fmt.Sprintf("Scheduled %s · Actual %s · Charged %s", minutes(s.ScheduledDuration), minutes(s.ActualDuration), minutes(s.ChargedTime)),
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#A0AEC0")).
		Render(strings.Join(lines, "\n"))
}

func (a *App) renderPending() string {
	if len(a.pending) == 0 {
		return ""
	}
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Pending batches (%d)", len(a.pending)))
	var lines []string
	for _, b := range a.pending {
		line := fmt.Sprintf("%s %s · %d group(s) · %s", stateLabel(b.State), b.Identity, len(b.Groups), b.Source)
		if b.Attempts > 0 {
			line += fmt.Sprintf(" · %d failed hand-off(s)", b.Attempts)
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"))
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	entries, total := a.logbook.Entries(6)
	if len(entries) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("NOTIFICATIONS · %s (%d)", fileName, total))
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		first, _, _ := strings.Cut(e.Message, "\n")
		lines = append(lines, fmt.Sprintf("%s %s %s",
			e.At.Local().Format("Jan 02 15:04"),
			levelLabel(e.Level),
			lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(first)))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, strings.Join(lines, "\n")))
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildSnapshot()
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (a *App) buildSnapshot() refreshMsg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions, err := a.sessions.Query(ctx, ledger.Filter{Incomplete: a.incompleteOnly})
	if err != nil {
		return refreshMsg{err: err}
	}
	// newest first
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].Date > sessions[j].Date })
	msg := refreshMsg{sessions: sessions, at: a.clock()}
	if a.batches != nil {
		loaded, err := a.batches.Load(ctx)
		if err != nil {
			return refreshMsg{err: fmt.Errorf("load batches: %w", err)}
		}
		for _, b := range loaded {
			msg.batches = append(msg.batches, b)
		}
		sort.Slice(msg.batches, func(i, j int) bool { return msg.batches[i].Key < msg.batches[j].Key })
	}
	return msg
}
