package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/scanrelay/internal/ledger"
)

// Rule is one expected deliverable. When is an expr predicate evaluated
// against each catalogued artifact.
type Rule struct {
	Name     string   `yaml:"name"`
	When     string   `yaml:"when"`
	Required *bool    `yaml:"required,omitempty"`
	Sessions []string `yaml:"sessions,omitempty"`

	program *exprvm.Program
}

// IsRequired defaults to true.
func (r Rule) IsRequired() bool {
	return r.Required == nil || *r.Required
}

// AppliesTo reports whether the rule is in scope for a session label.
func (r Rule) AppliesTo(session string) bool {
	return len(r.Sessions) == 0 || slices.Contains(r.Sessions, session)
}

// Manifest is the expected-deliverables rule set. It is read-only once
// loaded.
type Manifest struct {
	Expected []Rule `yaml:"expected"`
}

// LoadManifest reads and compiles the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("audit: %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// ParseManifest decodes and compiles manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Expected))
	for i := range m.Expected {
		rule := &m.Expected[i]
		rule.Name = strings.TrimSpace(rule.Name)
		rule.When = strings.TrimSpace(rule.When)
		if rule.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("rule %s: duplicate name", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		if rule.When == "" {
			return nil, fmt.Errorf("rule %s: when is required", rule.Name)
		}
		for j, session := range rule.Sessions {
			rule.Sessions[j] = strings.TrimSpace(session)
		}
		program, err := exprlang.Compile(rule.When,
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
			exprlang.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile %q: %w", rule.Name, rule.When, err)
		}
		rule.program = program
	}
	return &m, nil
}

// Match evaluates the rule against one artifact of sess.
func (r Rule) Match(sess ledger.Session, art ledger.Artifact) (bool, error) {
	if r.program == nil {
		return false, fmt.Errorf("audit: rule %s not compiled", r.Name)
	}
	out, err := exprlang.Run(r.program, environment(sess, art))
	if err != nil {
		return false, fmt.Errorf("audit: rule %s on %s: %w", r.Name, art.Path, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func environment(sess ledger.Session, art ledger.Artifact) map[string]any {
	meta := art.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	name := filepath.Base(art.Path)
	return map[string]any{
		"name":    name,
		"path":    art.Path,
		"kind":    art.Kind,
		"group":   art.Group,
		"ext":     extension(name),
		"size":    art.Size,
		"meta":    meta,
		"subject": sess.Subject,
		"session": sess.Session,
		"date":    sess.Date,
		"project": sess.Project,
	}
}

// extension keeps compound suffixes such as ".nii.gz" together.
func extension(name string) string {
	lower := strings.ToLower(name)
	for _, compound := range []string{".nii.gz", ".tar.gz"} {
		if strings.HasSuffix(lower, compound) {
			return compound
		}
	}
	return strings.ToLower(filepath.Ext(name))
}
