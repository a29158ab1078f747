// Package handoff drives the external converter for finalized item groups
// and catalogues what it produced in the ledger. Running it twice for the
// same groups is safe: the converter is expected to skip finished work and
// artifact registration ignores rows that already exist.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kingrea/scanrelay/internal/artifact"
	"github.com/kingrea/scanrelay/internal/identity"
	"github.com/kingrea/scanrelay/internal/ledger"
)

// ErrConversion matches every *ConversionError.
var ErrConversion = errors.New("handoff: conversion failed")

// ConversionError carries the failing group and converter output.
type ConversionError struct {
	Identity identity.Identity
	Group    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("handoff: convert %s (%s)", e.Group, e.Identity)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Is reports ErrConversion membership.
func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// Request describes one group to convert.
type Request struct {
	Identity identity.Identity
	Group    string
}

// Converter turns an item-group directory into catalogue-ready outputs.
type Converter interface {
	Convert(ctx context.Context, req Request) ([]artifact.Ref, error)
}

// Catalog is the slice of the ledger handoff writes to.
type Catalog interface {
	Ensure(ctx context.Context, id identity.Identity, project string) (ledger.Session, error)
	AddArtifacts(ctx context.Context, sessionID string, artifacts []ledger.Artifact) (int, error)
}

// Logger receives diagnostic output.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Handoff couples a converter with the catalogue.
type Handoff struct {
	converter Converter
	catalog   Catalog
	logger    Logger
}

// Option customizes a Handoff.
type Option func(*Handoff)

// WithLogger routes handoff logs.
func WithLogger(logger Logger) Option {
	return func(h *Handoff) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New wires a Handoff.
func New(converter Converter, catalog Catalog, opts ...Option) (*Handoff, error) {
	if converter == nil || catalog == nil {
		return nil, fmt.Errorf("handoff: converter and catalog are required")
	}
	h := &Handoff{converter: converter, catalog: catalog, logger: nopLogger{}}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run converts every group and registers the resulting artifacts. Outputs
// of groups converted before a failure stay registered; the error is
// returned so the caller keeps the batch for retry.
func (h *Handoff) Run(ctx context.Context, id identity.Identity, groups []string) ([]ledger.Artifact, error) {
	sess, err := h.catalog.Ensure(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("handoff: ensure session %s: %w", id, err)
	}
	var all []ledger.Artifact
	for _, group := range groups {
		refs, err := h.converter.Convert(ctx, Request{Identity: id, Group: group})
		if err != nil {
			var convErr *ConversionError
			if errors.As(err, &convErr) {
				return all, err
			}
			return all, &ConversionError{Identity: id, Group: group, Err: err}
		}
		arts, err := inspect(id, group, sess.ID, refs)
		if err != nil {
			return all, err
		}
		added, err := h.catalog.AddArtifacts(ctx, sess.ID, arts)
		if err != nil {
			return all, fmt.Errorf("handoff: register artifacts for %s (%s): %w", group, id, err)
		}
		h.logger.Printf("handoff: %s (%s) produced %d outputs, %d new", group, id, len(arts), added)
		all = append(all, arts...)
	}
	return all, nil
}

func inspect(id identity.Identity, group, sessionID string, refs []artifact.Ref) ([]ledger.Artifact, error) {
	arts := make([]ledger.Artifact, 0, len(refs))
	groupName := filepath.Base(group)
	for _, ref := range refs {
		res, err := artifact.Check(ref)
		if err != nil {
			return nil, &ConversionError{Identity: id, Group: group, Err: err}
		}
		if res.State != artifact.StateReady {
			reason := fmt.Errorf("output %s is %s", ref.Path, res.State)
			if res.Err != nil {
				reason = fmt.Errorf("output %s is %s: %w", ref.Path, res.State, res.Err)
			}
			return nil, &ConversionError{Identity: id, Group: group, Err: reason}
		}
		arts = append(arts, ledger.Artifact{
			SessionID: sessionID,
			Path:      ref.Path,
			Kind:      string(ref.Kind),
			Group:     groupName,
			Size:      res.Size,
			Meta:      res.Meta,
		})
	}
	return arts, nil
}
