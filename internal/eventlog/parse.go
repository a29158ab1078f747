// Package eventlog reads the scanner's chronological system log and uses it
// to widen session timing in the ledger. The log runs on its own clock and
// format; only marker lines matter.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Markers are compiled marker patterns.
type Markers struct {
	SessionStart        *regexp.Regexp
	OperatorStart       *regexp.Regexp
	AcquisitionReady    *regexp.Regexp
	AcquisitionStart    *regexp.Regexp
	AcquisitionComplete *regexp.Regexp
}

// CompileMarkers compiles the marker expressions; empty optional markers
// stay nil. SessionStart is mandatory.
func CompileMarkers(sessionStart, operatorStart, ready, start, complete string) (Markers, error) {
	var m Markers
	var err error
	compile := func(label, expr string, required bool) *regexp.Regexp {
		if err != nil {
			return nil
		}
		expr = strings.TrimSpace(expr)
		if expr == "" {
			if required {
				err = fmt.Errorf("eventlog: %s marker is required", label)
			}
			return nil
		}
		re, compileErr := regexp.Compile(expr)
		if compileErr != nil {
			err = fmt.Errorf("eventlog: %s marker: %w", label, compileErr)
			return nil
		}
		return re
	}
	m.SessionStart = compile("session_start", sessionStart, true)
	m.OperatorStart = compile("operator_start", operatorStart, false)
	m.AcquisitionReady = compile("acquisition_ready", ready, false)
	m.AcquisitionStart = compile("acquisition_start", start, false)
	m.AcquisitionComplete = compile("acquisition_complete", complete, false)
	return m, err
}

// Segment is the span between two session-start markers.
type Segment struct {
	Start time.Time
	End   time.Time
	Name  string

	OperatorStart time.Time
	Ready         time.Time
	AcqStart      time.Time
	AcqComplete   time.Time
}

// ScanStart is the earliest of the first ready and first start events.
func (s Segment) ScanStart() time.Time {
	switch {
	case s.Ready.IsZero():
		return s.AcqStart
	case s.AcqStart.IsZero() || s.Ready.Before(s.AcqStart):
		return s.Ready
	default:
		return s.AcqStart
	}
}

// Arrival is the operator start, falling back to the segment start.
func (s Segment) Arrival() time.Time {
	if !s.OperatorStart.IsZero() {
		return s.OperatorStart
	}
	return s.Start
}

// Parser splits a log into segments.
type Parser struct {
	layout  string
	markers Markers
	name    *regexp.Regexp
}

// NewParser builds a parser. name must capture the session name in its
// first group (or a group called "name").
func NewParser(layout string, markers Markers, name string) (*Parser, error) {
	if strings.TrimSpace(layout) == "" {
		return nil, fmt.Errorf("eventlog: timestamp layout is required")
	}
	if markers.SessionStart == nil {
		return nil, fmt.Errorf("eventlog: session_start marker is required")
	}
	p := &Parser{layout: layout, markers: markers}
	if strings.TrimSpace(name) != "" {
		re, err := regexp.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("eventlog: name pattern: %w", err)
		}
		if re.NumSubexp() == 0 {
			return nil, fmt.Errorf("eventlog: name pattern needs a capture group")
		}
		p.name = re
	}
	return p, nil
}

// Parse scans r. Lines without a leading timestamp are ignored; lines
// before the first session-start marker belong to no segment.
func (p *Parser) Parse(r io.Reader) ([]Segment, error) {
	var (
		segments []Segment
		current  *Segment
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		at, ok := p.timestamp(line)
		if !ok {
			continue
		}
		if p.markers.SessionStart.MatchString(line) {
			segments = append(segments, Segment{Start: at, End: at})
			current = &segments[len(segments)-1]
		}
		if current == nil {
			continue
		}
		if at.After(current.End) {
			current.End = at
		}
		if current.Name == "" && p.name != nil {
			current.Name = p.extractName(line)
		}
		first := func(re *regexp.Regexp, dst *time.Time) {
			if re != nil && dst.IsZero() && re.MatchString(line) {
				*dst = at
			}
		}
		first(p.markers.OperatorStart, &current.OperatorStart)
		first(p.markers.AcquisitionReady, &current.Ready)
		first(p.markers.AcquisitionStart, &current.AcqStart)
		if p.markers.AcquisitionComplete != nil && p.markers.AcquisitionComplete.MatchString(line) {
			current.AcqComplete = at
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: read: %w", err)
	}
	return segments, nil
}

// timestamp parses the leading timestamp of line. Layouts whose fields
// vary in width (unpadded days, month names) are matched by taking as many
// whitespace-separated fields as the layout has.
func (p *Parser) timestamp(line string) (time.Time, bool) {
	if len(line) >= len(p.layout) {
		if at, err := time.Parse(p.layout, line[:len(p.layout)]); err == nil {
			return at, true
		}
	}
	end := fieldsEnd(line, len(strings.Fields(p.layout)))
	if end <= 0 {
		return time.Time{}, false
	}
	at, err := time.Parse(p.layout, line[:end])
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// fieldsEnd returns the offset just past the n-th whitespace-separated field
// of line, or -1 when line has fewer fields.
func fieldsEnd(line string, n int) int {
	inField := false
	for i, r := range line {
		space := unicode.IsSpace(r)
		switch {
		case !space && !inField:
			inField = true
		case space && inField:
			inField = false
			if n--; n == 0 {
				return i
			}
		}
	}
	if inField && n == 1 {
		return len(line)
	}
	return -1
}

func (p *Parser) extractName(line string) string {
	m := p.name.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	if idx := p.name.SubexpIndex("name"); idx > 0 {
		return strings.TrimSpace(m[idx])
	}
	return strings.TrimSpace(m[1])
}
