package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no session matches the requested id.
	ErrNotFound = errors.New("ledger: session not found")
	// ErrWriteConflict signals that a row changed between read and write.
	ErrWriteConflict = errors.New("ledger: write conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	session TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL,
	arrival_time INTEGER,
	departure_time INTEGER,
	scheduled_duration INTEGER,
	actual_duration INTEGER,
	charged_time INTEGER,
	scan_start INTEGER,
	scan_end INTEGER,
	all_data_present INTEGER,
	num_checks INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject_date ON sessions(subject, date);
CREATE INDEX IF NOT EXISTS idx_sessions_date ON sessions(date);

CREATE TABLE IF NOT EXISTS artifacts (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	grp TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, path)
);

CREATE TABLE IF NOT EXISTS batches (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed tracking ledger.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock injects a deterministic clock for created/updated stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	return open(dsn, opts...)
}

// OpenInMemory opens a private in-memory ledger, used by tests and dry runs.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open("file::memory:?_pragma=foreign_keys(1)", opts...)
}

func open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixNano()
}

// Ping verifies the connection (used by the status server health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
