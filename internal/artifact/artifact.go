// Package artifact describes converter outputs and inspects them on disk
// before they are catalogued. Each output may carry a JSON sidecar whose
// flat keys become the artifact metadata.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/scanrelay/internal/identity"
)

// Kind is the catalogue category of an output (anat, func, behavior, ...).
type Kind string

// KindBehavior tags behavioral logs attached by time-window matching.
const KindBehavior Kind = "behavior"

// State is the result of inspecting an output on disk.
type State string

const (
	StateReady   State = "ready"
	StateMissing State = "missing"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// Ref points at one output reported by the converter.
type Ref struct {
	Path  string
	Kind  Kind
	Group string
}

// ParseRef reads one converter output line: either "kind<TAB>path" or a
// bare path whose parent directory names the kind.
func ParseRef(line, group string) (Ref, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Ref{}, false
	}
	kind, path, found := strings.Cut(line, "\t")
	if !found {
		path = line
		kind = filepath.Base(filepath.Dir(path))
		if kind == "." || kind == string(filepath.Separator) {
			kind = ""
		}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Ref{}, false
	}
	return Ref{Path: filepath.Clean(path), Kind: Kind(strings.TrimSpace(kind)), Group: group}, true
}

// CheckResult captures the inspection outcome.
type CheckResult struct {
	Ref   Ref
	State State
	Size  int64
	Meta  map[string]string
	Err   error
}

// Check inspects ref on disk. Missing outputs are reported, not errors;
// a directory where a file is expected is invalid.
func Check(ref Ref) (CheckResult, error) {
	if ref.Path == "" {
		err := fmt.Errorf("artifact: empty path for %s output", ref.Kind)
		return CheckResult{Ref: ref, State: StateError, Err: err}, err
	}
	info, err := os.Stat(ref.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, State: StateError, Err: err}, err
	}
	if info.IsDir() {
		return invalidResult(ref, fmt.Errorf("artifact: expected file got directory %s", ref.Path))
	}
	header, _, err := identity.ReadSidecar(ref.Path)
	if err != nil {
		return invalidResult(ref, err)
	}
	var meta map[string]string
	if len(header) > 0 {
		meta = map[string]string(header)
	}
	return CheckResult{Ref: ref, State: StateReady, Size: info.Size(), Meta: meta}, nil
}

func invalidResult(ref Ref, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, State: StateInvalid, Err: err}, nil
}
