package store

import (
	"context"

	"github.com/kmorwick/tabletally/internal/models"
)

// MergeMode selects how ImportMerge treats incoming records.
type MergeMode string

const (
	// MergeModeMerge adds records whose id is absent locally and never
	// silently overwrites an existing record.
	MergeModeMerge MergeMode = "merge"
)

// Gateway is the record store contract both sync paths converge on. It owns
// all persistence; the sync core never performs partial writes itself and
// treats every call as atomic.
type Gateway interface {
	// ExportAll returns a snapshot of every player, match and matchPlayer.
	ExportAll(ctx context.Context) (*models.Snapshot, error)

	// ImportMerge merges a snapshot into local storage according to mode.
	// Returns true when at least one record was added.
	ImportMerge(ctx context.Context, snap *models.Snapshot, mode MergeMode) (bool, error)

	// MergeData is the alias both sync paths call: ImportMerge with
	// MergeModeMerge.
	MergeData(ctx context.Context, snap *models.Snapshot) (bool, error)

	// GetMatch returns a match by id, or nil when it does not exist.
	GetMatch(ctx context.Context, id string) (*models.Match, error)

	// DeleteMatchCascade removes a match and its dependent matchPlayers.
	// It does not re-trigger cloud deletion.
	DeleteMatchCascade(ctx context.Context, id string) error

	// RecomputeDerivedStats rebuilds per-player aggregates after records
	// are added or removed outside the normal UI flow.
	RecomputeDerivedStats(ctx context.Context) error
}
