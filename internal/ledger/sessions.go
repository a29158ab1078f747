package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
)

const sessionColumns = `id, subject, session, project, date, arrival_time, departure_time,
	scheduled_duration, actual_duration, charged_time, scan_start, scan_end,
	all_data_present, num_checks, version, created_at, updated_at`

// maxUpdateAttempts bounds the optimistic retry loop in Update.
const maxUpdateAttempts = 5

// Ensure creates the session row for id if it does not exist yet and returns
// the stored row. Re-inserting the same identity is a no-op.
func (s *Store) Ensure(ctx context.Context, id identity.Identity, project string) (Session, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject, session, project, date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id.ID(), id.Subject, id.Session, strings.TrimSpace(project), id.Date, now, now,
	)
	if err != nil {
		return Session{}, fmt.Errorf("ledger: ensure %s: %w", id, err)
	}
	return s.Get(ctx, id.ID())
}

// Upsert inserts the session or refreshes its identity attributes. Fields
// owned by other components (timing, completeness) are never overwritten
// here; use ExtendWindow, RecordAudit or Update for those.
func (s *Store) Upsert(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		sess.ID = sess.Identity().ID()
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject, session, project, date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = CASE WHEN excluded.project <> '' THEN excluded.project ELSE sessions.project END,
			version = sessions.version + 1,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Subject, sess.Session, strings.TrimSpace(sess.Project), sess.Date, now, now,
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return sess, nil
}

// Query returns sessions matching the filter ordered by date, subject, session.
func (s *Store) Query(ctx context.Context, f Filter) ([]Session, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		clauses = append(clauses, clause)
		args = append(args, value)
	}
	if f.Subject != "" {
		add("subject = ?", f.Subject)
	}
	if f.Session != "" {
		add("session = ?", f.Session)
	}
	if f.Project != "" {
		add("project = ?", f.Project)
	}
	if f.Date != "" {
		add("date = ?", f.Date)
	}
	if f.From != "" {
		add("date >= ?", f.From)
	}
	if f.To != "" {
		add("date <= ?", f.To)
	}
	if f.Incomplete {
		clauses = append(clauses, "(all_data_present IS NULL OR all_data_present = 0)")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY date ASC, subject ASC, session ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ExtendWindow merges w into the session in one atomic statement: start-like
// fields keep the earlier value and end-like fields keep the later one, so
// no write can ever narrow an already recorded window.
func (s *Store) ExtendWindow(ctx context.Context, id string, w Window) error {
	var (
		sets []string
		args []any
	)
	widen := func(column, fn string, ts time.Time) {
		if ts.IsZero() {
			return
		}
		sets = append(sets, fmt.Sprintf("%s = %s(COALESCE(%s, ?), ?)", column, fn, column))
		v := ts.UTC().UnixNano()
		args = append(args, v, v)
	}
	widen("arrival_time", "min", w.Arrival)
	widen("scan_start", "min", w.ScanStart)
	widen("scan_end", "max", w.ScanEnd)
	widen("departure_time", "max", w.Departure)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, s.now(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("ledger: extend window %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RecordAudit stores a completeness verdict. Sessions already marked
// complete are left untouched and reported as Skipped; an incomplete verdict
// increments num_checks by exactly one.
func (s *Store) RecordAudit(ctx context.Context, id string, complete bool) (AuditOutcome, error) {
	present, increment := 0, 1
	if complete {
		present, increment = 1, 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			all_data_present = ?,
			num_checks = num_checks + ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND (all_data_present IS NULL OR all_data_present = 0)`,
		present, increment, s.now(), id,
	)
	if err != nil {
		return AuditOutcome{}, fmt.Errorf("ledger: record audit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuditOutcome{}, fmt.Errorf("ledger: record audit %s: %w", id, err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return AuditOutcome{}, err
	}
	return AuditOutcome{NumChecks: sess.NumChecks, Skipped: n == 0}, nil
}

// Update applies fn to a fresh read of the session and writes the result
// back guarded by the row version. On ErrWriteConflict the read-modify-write
// is retried with a fresh read.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if err := fn(&sess); err != nil {
			return Session{}, err
		}
		updated, err := s.compareAndSwap(ctx, sess)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return Session{}, err
		}
		lastErr = err
	}
	return Session{}, lastErr
}

// compareAndSwap writes the reconciliation fields of sess if the stored
// version still equals sess.Version. Window fields only move via ExtendWindow.
func (s *Store) compareAndSwap(ctx context.Context, sess Session) (Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			project = ?,
			scheduled_duration = ?,
			actual_duration = ?,
			charged_time = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		sess.Project,
		nullDuration(sess.ScheduledDuration),
		nullDuration(sess.ActualDuration),
		nullDuration(sess.ChargedTime),
		s.now(),
		sess.ID, sess.Version,
	)
	if err != nil {
		return Session{}, fmt.Errorf("ledger: update %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, sess.ID); getErr != nil {
			return Session{}, getErr
		}
		return Session{}, fmt.Errorf("%w: %s at version %d", ErrWriteConflict, sess.ID, sess.Version)
	}
	return s.Get(ctx, sess.ID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                                   Session
		arrival, departure, scanStart, scanEnd sql.NullInt64
		scheduled, actual, charged, present    sql.NullInt64
		createdAt, updatedAt                   int64
	)
	if err := row.Scan(&sess.ID, &sess.Subject, &sess.Session, &sess.Project, &sess.Date,
		&arrival, &departure, &scheduled, &actual, &charged, &scanStart, &scanEnd,
		&present, &sess.NumChecks, &sess.Version, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	sess.ArrivalTime = timeFromNull(arrival)
	sess.DepartureTime = timeFromNull(departure)
	sess.ScanStart = timeFromNull(scanStart)
	sess.ScanEnd = timeFromNull(scanEnd)
	sess.ScheduledDuration = durationFromNull(scheduled)
	sess.ActualDuration = durationFromNull(actual)
	sess.ChargedTime = durationFromNull(charged)
	switch {
	case !present.Valid:
		sess.AllDataPresent = PresenceUnknown
	case present.Int64 != 0:
		sess.AllDataPresent = PresenceTrue
	default:
		sess.AllDataPresent = PresenceFalse
	}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return sess, nil
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func durationFromNull(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Second
	return &d
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(d.Round(time.Second) / time.Second), Valid: true}
}
