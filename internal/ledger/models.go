// Package ledger is the persisted tracking ledger: one row per session keyed
// by its deterministic identifier, plus the catalogued artifacts and the
// pending state-machine batches. Every mutation is a single-row upsert or
// conditional update so components never clobber each other's fields.
package ledger

import (
	"fmt"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
)

// Presence is the tri-state all_data_present flag.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceTrue
	PresenceFalse
)

// String renders the flag for tables and JSON.
func (p Presence) String() string {
	switch p {
	case PresenceTrue:
		return "true"
	case PresenceFalse:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Presence) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Presence) UnmarshalText(text []byte) error {
	switch string(text) {
	case "true":
		*p = PresenceTrue
	case "false":
		*p = PresenceFalse
	case "unknown", "":
		*p = PresenceUnknown
	default:
		return fmt.Errorf("ledger: invalid presence %q", text)
	}
	return nil
}

// Session is the central ledger entity.
type Session struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Session string `json:"session"`
	Project string `json:"project,omitempty"`
	Date    string `json:"date"`

	ArrivalTime       *time.Time     `json:"arrival_time,omitempty"`
	DepartureTime     *time.Time     `json:"departure_time,omitempty"`
	ScheduledDuration *time.Duration `json:"scheduled_duration,omitempty"`
	ActualDuration    *time.Duration `json:"actual_duration,omitempty"`
	ChargedTime       *time.Duration `json:"charged_time,omitempty"`

	ScanStart *time.Time `json:"scan_start_time,omitempty"`
	ScanEnd   *time.Time `json:"scan_end_time,omitempty"`

	AllDataPresent Presence `json:"all_data_present"`
	NumChecks      int      `json:"num_checks"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the routing triple of the session.
func (s Session) Identity() identity.Identity {
	return identity.Identity{Subject: s.Subject, Session: s.Session, Date: s.Date}
}

// Window carries boundary timestamps to merge into a session. Zero values
// are ignored. Starts only ever move earlier and ends only ever move later.
type Window struct {
	Arrival   time.Time
	ScanStart time.Time
	ScanEnd   time.Time
	Departure time.Time
}

// Filter narrows Query results. Empty fields match everything.
type Filter struct {
	Subject    string
	Session    string
	Project    string
	Date       string
	From       string
	To         string
	Incomplete bool
}

// Artifact is one catalogued output registered for a session.
type Artifact struct {
	SessionID string            `json:"session_id"`
	Path      string            `json:"path"`
	Kind      string            `json:"kind"`
	Group     string            `json:"group,omitempty"`
	Size      int64             `json:"size"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AuditOutcome reports the result of RecordAudit.
type AuditOutcome struct {
	NumChecks int
	// Skipped is true when the session was already complete and nothing changed.
	Skipped bool
}
