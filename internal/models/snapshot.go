package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current snapshot wire format version.
const SnapshotVersion = 1

// Snapshot is the unit of transfer for both sync paths: the full exported set
// of player/match/matchPlayer records.
type Snapshot struct {
	Players      []Player      `json:"players"`
	Matches      []Match       `json:"matches"`
	MatchPlayers []MatchPlayer `json:"matchPlayers"`
	ExportDate   time.Time     `json:"exportDate"`
	Version      int           `json:"version"`
}

// RecordCount returns the total number of records across all three collections.
func (s *Snapshot) RecordCount() int {
	return len(s.Players) + len(s.Matches) + len(s.MatchPlayers)
}

// requiredCollections are the keys a snapshot document must carry as arrays.
var requiredCollections = []string{"players", "matches", "matchPlayers"}

// ValidateSnapshotJSON checks that raw is a JSON object carrying the three
// required collections, each present and array-shaped. It is called before any
// merge so a malformed payload never reaches the store.
func ValidateSnapshotJSON(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("snapshot is not a JSON object: %w", err)
	}
	for _, key := range requiredCollections {
		field, ok := doc[key]
		if !ok {
			return fmt.Errorf("snapshot missing required collection %q", key)
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(field, &arr); err != nil {
			return fmt.Errorf("snapshot collection %q is not an array: %w", key, err)
		}
	}
	return nil
}

// ParseSnapshot validates and decodes a serialized snapshot.
func ParseSnapshot(raw []byte) (*Snapshot, error) {
	if err := ValidateSnapshotJSON(raw); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
