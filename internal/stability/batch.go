// Package stability holds the per-batch lifecycle controller that sits
// between ingestion and conversion. A batch moves
// Accumulating -> StableSeen -> Confirmed -> HandedOff and only reaches
// Confirmed after an uninterrupted settle period in StableSeen.
package stability

import (
	"slices"
	"time"

	"github.com/kingrea/scanrelay/internal/identity"
)

// State is the lifecycle stage of a batch.
type State string

const (
	Accumulating State = "accumulating"
	StableSeen   State = "stable_seen"
	Confirmed    State = "confirmed"
	HandedOff    State = "handed_off"
)

// Source identifies which ingestion path feeds a batch.
type Source string

const (
	SourceFilesystem Source = "filesystem"
	SourceArchive    Source = "archive"
)

// Batch is the pending-session accumulator.
type Batch struct {
	Key        string            `json:"key"`
	Identity   identity.Identity `json:"identity"`
	Source     Source            `json:"source"`
	ArchiveRef string            `json:"archive_ref,omitempty"`
	SourcedDir string            `json:"sourced_dir,omitempty"`
	Groups     []string          `json:"groups"`
	State      State             `json:"state"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastItemAt  time.Time `json:"last_item_at"`
	StableSince time.Time `json:"stable_since,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`

	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (b Batch) clone() Batch {
	b.Groups = slices.Clone(b.Groups)
	return b
}

func (b *Batch) addGroup(group string) bool {
	if group == "" || slices.Contains(b.Groups, group) {
		return false
	}
	b.Groups = append(b.Groups, group)
	return true
}

// FilesystemKey is the batch key for items placed from the staging inbox.
func FilesystemKey(id identity.Identity) string {
	return "fs:" + id.ID()
}

// ArchiveKey is the batch key for a remote archive session reference.
func ArchiveKey(ref string) string {
	return "archive:" + ref
}

// Observation reports newly seen data for a batch.
type Observation struct {
	Key        string
	Identity   identity.Identity
	Source     Source
	Group      string
	ArchiveRef string
	SourcedDir string
	At         time.Time
}
