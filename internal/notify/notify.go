// Package notify delivers completeness notifications. Delivery is fire and
// forget: sink failures are logged and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/logbook"
)

// Priority ranks a notification.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one message for operators.
type Notification struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Priority  Priority  `json:"priority"`
	Escalated bool      `json:"escalated,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink accepts notifications.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Logger receives delivery failures.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Dispatcher fans notifications out to sinks. Escalated notifications also
// reach the escalation sinks.
type Dispatcher struct {
	sinks      []Sink
	escalation []Sink
	logger     Logger
	clock      func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSink adds a regular sink.
func WithSink(s Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
}

// WithEscalationSink adds a sink that only sees escalated notifications.
func WithEscalationSink(s Sink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.escalation = append(d.escalation, s)
		}
	}
}

// WithLogger routes delivery failures.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: nopLogger{}, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers n to every applicable sink.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clock()
	}
	targets := d.sinks
	if n.Escalated {
		targets = append(append([]Sink(nil), d.sinks...), d.escalation...)
	}
	for _, sink := range targets {
		if err := sink.Send(ctx, n); err != nil {
			d.logger.Printf("notify: deliver %q (session %s) via %T: %v", n.Subject, n.SessionID, sink, err)
		}
	}
}

// LogbookSink journals notifications into the leveled logbook.
type LogbookSink struct {
	book *logbook.Logbook
}

// NewLogbookSink wraps book.
func NewLogbookSink(book *logbook.Logbook) *LogbookSink {
	return &LogbookSink{book: book}
}

func (s *LogbookSink) Send(_ context.Context, n Notification) error {
	level := logbook.LevelWarn
	if n.Escalated || n.Priority == PriorityHigh {
		level = logbook.LevelError
	}
	msg := fmt.Sprintf("[%s] %s | %s", n.Priority, n.Subject, strings.TrimSpace(n.Body))
	if n.Escalated {
		msg = "ESCALATED " + msg
	}
	return s.book.Append(level, msg)
}
