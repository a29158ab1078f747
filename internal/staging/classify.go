package staging

import (
	"path/filepath"
	"sort"
	"strings"
)

// Unclassified is the type tag of items no rule recognises.
const Unclassified = ""

type rule struct {
	ext      string
	itemType string
}

// Classifier maps file extensions to item types. Longer extensions win so
// ".nii.gz" can be told apart from ".gz".
type Classifier struct {
	rules []rule
}

// NewClassifier builds a classifier from type -> extensions.
func NewClassifier(types map[string][]string) *Classifier {
	c := &Classifier{}
	for itemType, exts := range types {
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			c.rules = append(c.rules, rule{ext: ext, itemType: itemType})
		}
	}
	sort.Slice(c.rules, func(i, j int) bool {
		if len(c.rules[i].ext) != len(c.rules[j].ext) {
			return len(c.rules[i].ext) > len(c.rules[j].ext)
		}
		return c.rules[i].ext < c.rules[j].ext
	})
	return c
}

// Classify returns the item type for path or Unclassified.
func (c *Classifier) Classify(path string) string {
	name := strings.ToLower(filepath.Base(path))
	for _, r := range c.rules {
		if strings.HasSuffix(name, r.ext) && len(name) > len(r.ext) {
			return r.itemType
		}
	}
	return Unclassified
}
