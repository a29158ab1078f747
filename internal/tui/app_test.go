package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
	"github.com/kingrea/scanrelay/internal/logbook"
	"github.com/kingrea/scanrelay/internal/stability"
)

type stubSessions struct {
	sessions []ledger.Session
	filters  []ledger.Filter
	err      error
}

func (s *stubSessions) Query(_ context.Context, f ledger.Filter) ([]ledger.Session, error) {
	s.filters = append(s.filters, f)
	if s.err != nil {
		return nil, s.err
	}
	var out []ledger.Session
	for _, sess := range s.sessions {
		if f.Incomplete && sess.AllDataPresent == ledger.PresenceTrue {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

type stubBatches map[string]stability.Batch

func (s stubBatches) Load(context.Context) (map[string]stability.Batch, error) {
	return s, nil
}

func TestRefreshPopulatesBoard(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC)
	end := start.Add(50 * time.Minute)
	charged := 64 * time.Minute
	sessions := &stubSessions{sessions: []ledger.Session{
		{Subject: "S1", Session: "01", Date: "20240501", Project: "ProjA", ScanStart: &start, ScanEnd: &end, ChargedTime: &charged, AllDataPresent: ledger.PresenceTrue, NumChecks: 1},
		{Subject: "S2", Session: "01", Date: "20240502", AllDataPresent: ledger.PresenceFalse, NumChecks: 3},
	}}
	id := identity.Identity{Subject: "S3", Session: "01", Date: "20240503"}
	batches := stubBatches{"fs/S3": {Key: "fs/S3", Identity: id, Source: stability.SourceFilesystem, Groups: []string{"a", "b"}, State: stability.StableSeen, Attempts: 2}}
	app := NewApp(sessions, WithBatches(batches), WithClock(func() time.Time { return start }))

	app = refreshOnce(t, app, app.Init())
	if len(app.rows) != 2 || app.rows[0].Subject != "S2" {
		t.Fatalf("expected newest session first, got %+v", app.rows)
	}
	view := app.View()
	for _, want := range []string{"SCANRELAY", "2 session(s)", "1 complete", "1 incomplete", "Pending batches (1)", "SETTLING", "2 failed hand-off(s)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestToggleIncompleteRequeries(t *testing.T) {
	sessions := &stubSessions{sessions: []ledger.Session{
		{Subject: "S1", Session: "01", Date: "20240501", AllDataPresent: ledger.PresenceTrue},
		{Subject: "S2", Session: "01", Date: "20240502", AllDataPresent: ledger.PresenceUnknown},
	}}
	app := NewApp(sessions)
	app = refreshOnce(t, app, app.Init())

	model, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("i")})
	app = refreshOnce(t, model, cmd)
	if !app.incompleteOnly {
		t.Fatalf("toggle should enable incomplete filter")
	}
	last := sessions.filters[len(sessions.filters)-1]
	if !last.Incomplete {
		t.Fatalf("expected incomplete query, got %+v", last)
	}
	if len(app.rows) != 1 || app.rows[0].Subject != "S2" {
		t.Fatalf("unexpected rows %+v", app.rows)
	}
	if !strings.Contains(app.View(), "Showing incomplete sessions") {
		t.Fatalf("status line not updated")
	}
}

func TestRefreshErrorKeepsPreviousRows(t *testing.T) {
	sessions := &stubSessions{sessions: []ledger.Session{{Subject: "S1", Session: "01", Date: "20240501"}}}
	app := NewApp(sessions)
	app = refreshOnce(t, app, app.Init())

	sessions.err = errors.New("database is locked")
	model, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	app = refreshOnce(t, model, cmd)
	if len(app.rows) != 1 {
		t.Fatalf("rows should survive a failed refresh")
	}
	if !strings.Contains(app.View(), "database is locked") {
		t.Fatalf("error should be shown on the board")
	}
}

func TestLogPanelShowsNotifications(t *testing.T) {
	book, err := logbook.New(filepath.Join(t.TempDir(), "notifications.log"))
	if err != nil {
		t.Fatal(err)
	}
	if err := book.Warn("S2/01/20240502 incomplete: missing behavior"); err != nil {
		t.Fatal(err)
	}
	app := NewApp(&stubSessions{}, WithLogbook(book))
	app = refreshOnce(t, app, app.Init())
	view := app.View()
	if !strings.Contains(view, "NOTIFICATIONS · notifications.log (1)") || !strings.Contains(view, "missing behavior") {
		t.Fatalf("log panel missing:\n%s", view)
	}
	if !strings.Contains(view, "No sessions in the ledger yet.") {
		t.Fatalf("empty board hint missing")
	}
}

func TestQuitKey(t *testing.T) {
	app := NewApp(&stubSessions{})
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

// refreshOnce runs a fetch command and applies its result. The follow-up
// tick is dropped so tests never wait on the refresh interval.
func refreshOnce(t *testing.T, model tea.Model, cmd tea.Cmd) *App {
	t.Helper()
	app, ok := model.(*App)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	if cmd == nil {
		t.Fatalf("expected a fetch command")
	}
	msg := cmd()
	if _, ok := msg.(refreshMsg); !ok {
		t.Fatalf("expected refreshMsg, got %T", msg)
	}
	next, _ := app.Update(msg)
	app, ok = next.(*App)
	if !ok {
		t.Fatalf("unexpected model type: %T", next)
	}
	return app
}
