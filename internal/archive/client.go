// Package archive talks to the remote archive service that buffers
// sessions before they are pulled, converted and purged.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kingrea/scanrelay/internal/identity"
)

// ErrTransient marks failures worth retrying on the next poll.
var ErrTransient = errors.New("archive: transient failure")

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("archive: %s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// Unwrap lets errors.Is(err, ErrTransient) match retryable statuses.
func (e *StatusError) Unwrap() error {
	if e.Transient() {
		return ErrTransient
	}
	return nil
}

// SessionRef identifies one session held by the archive.
type SessionRef struct {
	ID string `json:"id"`
}

func (r SessionRef) String() string {
	return r.ID
}

// Item is one remote file belonging to a session.
type Item struct {
	ID    string `json:"id"`
	Group string `json:"group"`
	Name  string `json:"name"`
	Size  int64  `json:"size,omitempty"`
}

// Status is the archive's view of a session.
type Status struct {
	Stable bool            `json:"stable"`
	Header identity.Header `json:"header"`
	Items  []Item          `json:"items"`
}

// Groups returns the distinct item groups in listing order.
func (s Status) Groups() []string {
	seen := make(map[string]struct{}, len(s.Items))
	var out []string
	for _, item := range s.Items {
		group := strings.TrimSpace(item.Group)
		if group == "" {
			continue
		}
		if _, ok := seen[group]; ok {
			continue
		}
		seen[group] = struct{}{}
		out = append(out, group)
	}
	return out
}

// Client is the request/response surface the poller consumes.
type Client interface {
	ListSessions(ctx context.Context) ([]SessionRef, error)
	Status(ctx context.Context, ref SessionRef) (Status, error)
	Download(ctx context.Context, ref SessionRef, item Item, dest string) error
	Purge(ctx context.Context, ref SessionRef) error
}
