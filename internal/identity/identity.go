// Package identity extracts the (subject, session, date) triple that routes
// an arrived item to its session. Resolution is pure: the same header or
// path always yields the same identity, including the defaulted session.
package identity

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedIdentity is returned when the identity triple cannot be determined.
var ErrMalformedIdentity = errors.New("identity: malformed identity")

// DateLayout is the canonical rendering of Identity.Date.
const DateLayout = "2006-01-02"

// namespace seeds the deterministic session identifiers.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("scanrelay/session"))

// Header is the header-like metadata embedded in (or shipped beside) an item.
type Header map[string]string

// Header keys consulted, in priority order.
var (
	subjectKeys  = []string{"PatientID", "Subject", "subject", "PatientName"}
	sessionKeys  = []string{"SessionID", "Session", "session", "StudyID"}
	dateKeys     = []string{"StudyDate", "AcquisitionDate", "SeriesDate", "Date", "date"}
	dateTimeKeys = []string{"AcquisitionDateTime", "ContentDateTime"}
	timeKeys     = []string{"AcquisitionTime", "SeriesTime", "ContentTime"}
)

var (
	labelPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	pathSubject    = regexp.MustCompile(`(?:^|[/_])sub-([A-Za-z0-9]+)`)
	pathSession    = regexp.MustCompile(`(?:^|[/_])ses-([A-Za-z0-9]+)`)
	pathDate       = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})-?(\d{2})-?(\d{2})(?:[^0-9]|$)`)
	dateLayouts    = []string{"20060102", DateLayout, "2006/01/02", "2006.01.02"}
	dateTimeLayout = []string{"20060102150405.999999", "20060102150405", time.RFC3339, "2006-01-02T15:04:05"}
	timeLayouts    = []string{"150405.999999", "150405", "15:04:05.999999", "15:04:05"}
)

// Identity routes items to a session.
type Identity struct {
	Subject string `json:"subject"`
	Session string `json:"session"`
	Date    string `json:"date"`
}

// ID is the deterministic session identifier; re-computing it is a no-op.
func (id Identity) ID() string {
	return uuid.NewSHA1(namespace, []byte(id.Subject+"\x00"+id.Session+"\x00"+id.Date)).String()
}

// Key renders a human readable form used in logs.
func (id Identity) Key() string {
	return id.Subject + "/" + id.Session + "/" + id.Date
}

// String implements fmt.Stringer for log context.
func (id Identity) String() string {
	return fmt.Sprintf("subject=%s session=%s date=%s", id.Subject, id.Session, id.Date)
}

// Day parses Date back into a UTC midnight timestamp.
func (id Identity) Day() time.Time {
	day, _ := time.Parse(DateLayout, id.Date)
	return day
}

// DefaultSession derives the session label used when none is supplied.
func DefaultSession(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

// Resolve extracts identity from header metadata.
func Resolve(h Header) (Identity, error) {
	subject := normalizeLabel(first(h, subjectKeys), "sub-")
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: no subject in header", ErrMalformedIdentity)
	}
	day, ok := headerDate(h)
	if !ok {
		return Identity{}, fmt.Errorf("%w: no acquisition date for subject %s", ErrMalformedIdentity, subject)
	}
	session := normalizeLabel(first(h, sessionKeys), "ses-")
	return build(subject, session, day)
}

// ResolvePath extracts identity from a path following the
// sub-<id>/ses-<id>/...YYYYMMDD... convention.
func ResolvePath(path string) (Identity, error) {
	slashed := filepath.ToSlash(path)
	subject := ""
	if m := lastSubmatch(pathSubject, slashed); m != "" {
		subject = m
	}
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: no sub-<id> in %s", ErrMalformedIdentity, path)
	}
	matches := pathDate.FindAllStringSubmatch(slashed, -1)
	if len(matches) == 0 {
		return Identity{}, fmt.Errorf("%w: no date in %s", ErrMalformedIdentity, path)
	}
	m := matches[len(matches)-1]
	day, err := time.Parse("20060102", m[1]+m[2]+m[3])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid date in %s", ErrMalformedIdentity, path)
	}
	return build(subject, lastSubmatch(pathSession, slashed), day)
}

// AcquiredAt returns the acquisition timestamp embedded in the header, if any.
func AcquiredAt(h Header) (time.Time, bool) {
	for _, key := range dateTimeKeys {
		raw := strings.TrimSpace(h[key])
		if raw == "" {
			continue
		}
		for _, layout := range dateTimeLayout {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, true
			}
		}
	}
	day, ok := headerDate(h)
	if !ok {
		return time.Time{}, false
	}
	for _, key := range timeKeys {
		raw := strings.TrimSpace(h[key])
		if raw == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if clock, err := time.Parse(layout, raw); err == nil {
				return day.Add(time.Duration(clock.Hour())*time.Hour +
					time.Duration(clock.Minute())*time.Minute +
					time.Duration(clock.Second())*time.Second +
					time.Duration(clock.Nanosecond())), true
			}
		}
	}
	return time.Time{}, false
}

func build(subject, session string, day time.Time) (Identity, error) {
	date := day.Format(DateLayout)
	if session == "" {
		session = DefaultSession(date)
	}
	if !labelPattern.MatchString(subject) || strings.Contains(subject, "..") {
		return Identity{}, fmt.Errorf("%w: subject %q is not a safe label", ErrMalformedIdentity, subject)
	}
	if !labelPattern.MatchString(session) || strings.Contains(session, "..") {
		return Identity{}, fmt.Errorf("%w: session %q is not a safe label", ErrMalformedIdentity, session)
	}
	return Identity{Subject: subject, Session: session, Date: date}, nil
}

func headerDate(h Header) (time.Time, bool) {
	for _, key := range dateKeys {
		raw := strings.TrimSpace(h[key])
		if raw == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if day, err := time.Parse(layout, raw); err == nil {
				return day, true
			}
		}
	}
	for _, key := range dateTimeKeys {
		raw := strings.TrimSpace(h[key])
		if len(raw) >= 8 {
			if day, err := time.Parse("20060102", raw[:8]); err == nil {
				return day, true
			}
		}
	}
	return time.Time{}, false
}

func first(h Header, keys []string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(h[key]); value != "" {
			return value
		}
	}
	return ""
}

func normalizeLabel(value, prefix string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, prefix)
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, "^", "")
	return value
}

func lastSubmatch(re *regexp.Regexp, s string) string {
	matches := re.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}
