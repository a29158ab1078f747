package staging

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/kingrea/scanrelay/internal/fsx"
)

// Fields are the values available to the naming pattern.
type Fields struct {
	Subject string
	Session string
	Date    string
	Type    string
	Group   string
	Name    string
	Project string
}

// Policy renders destination paths. Rendering is pure: the same fields
// always produce the same path.
type Policy struct {
	root string
	tmpl *template.Template
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewPolicy parses pattern, a text/template relative to root.
func NewPolicy(root, pattern string) (*Policy, error) {
	tmpl, err := template.New("naming").Option("missingkey=error").Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("staging: parse naming pattern: %w", err)
	}
	return &Policy{root: filepath.Clean(root), tmpl: tmpl}, nil
}

// Root is the destination root directory.
func (p *Policy) Root() string {
	return p.root
}

// Destination renders the absolute destination for f. The result always
// lies strictly below the root.
func (p *Policy) Destination(f Fields) (string, error) {
	f.Group = sanitizeSegment(f.Group)
	f.Type = sanitizeSegment(f.Type)
	f.Name = sanitizeSegment(f.Name)
	var b strings.Builder
	if err := p.tmpl.Execute(&b, f); err != nil {
		return "", fmt.Errorf("staging: render destination: %w", err)
	}
	rel := strings.TrimSpace(b.String())
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("staging: naming pattern produced %q", rel)
	}
	dest := filepath.Join(p.root, filepath.FromSlash(rel))
	if dest == p.root || !fsx.Within(p.root, dest) {
		return "", fmt.Errorf("staging: destination %s escapes %s", dest, p.root)
	}
	return dest, nil
}

func sanitizeSegment(value string) string {
	value = strings.Trim(unsafeSegment.ReplaceAllString(strings.TrimSpace(value), "_"), "_")
	if value == "" || value == "." || value == ".." {
		return "unknown"
	}
	return value
}
