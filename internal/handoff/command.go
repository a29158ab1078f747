package handoff

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/artifact"
)

// CommandConverter runs an external program per group. Argument tokens
// {group}, {output}, {subject}, {session} and {date} are substituted; each
// stdout line names one output ("kind<TAB>path" or a bare path).
type CommandConverter struct {
	argv    []string
	output  string
	timeout time.Duration
}

// NewCommandConverter builds a converter from an argv template.
func NewCommandConverter(argv []string, output string, timeout time.Duration) (*CommandConverter, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("handoff: converter command is required")
	}
	return &CommandConverter{argv: append([]string(nil), argv...), output: output, timeout: timeout}, nil
}

func (c *CommandConverter) Convert(ctx context.Context, req Request) ([]artifact.Ref, error) {
	outDir := filepath.Join(c.output, req.Identity.Subject, req.Identity.Session)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &ConversionError{Identity: req.Identity, Group: req.Group, Err: err}
	}
	replacer := strings.NewReplacer(
		"{group}", req.Group,
		"{output}", outDir,
		"{subject}", req.Identity.Subject,
		"{session}", req.Identity.Session,
		"{date}", req.Identity.Date,
	)
	args := make([]string, len(c.argv))
	for i, arg := range c.argv {
		args[i] = replacer.Replace(arg)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	// #nosec G204 -- the converter argv comes from the deployment config.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		convErr := &ConversionError{Identity: req.Identity, Group: req.Group, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			convErr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			convErr.Err = fmt.Errorf("converter timed out: %w", ctx.Err())
		}
		return nil, convErr
	}
	var refs []artifact.Ref
	groupName := filepath.Base(req.Group)
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		ref, ok := artifact.ParseRef(scanner.Text(), groupName)
		if !ok {
			continue
		}
		if !filepath.IsAbs(ref.Path) {
			ref.Path = filepath.Join(outDir, ref.Path)
		}
		refs = append(refs, ref)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConversionError{Identity: req.Identity, Group: req.Group, Err: err}
	}
	return refs, nil
}
