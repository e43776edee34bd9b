package models

import "time"

// Player is a roster entry. IDs are globally unique strings generated on the
// device that created the record, so records from different devices can be
// merged without coordination.
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Match is a finished game session.
type Match struct {
	ID          string    `json:"id"`
	GameName    string    `json:"gameName"`
	PlayedAt    time.Time `json:"playedAt"`
	DurationSec int       `json:"durationSec"`
	WinnerID    *string   `json:"winnerId,omitempty"` // player id, absent for draws
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MatchPlayer links a player to a match with their result. MatchID and
// PlayerID must resolve within the same snapshot or against records that
// already exist locally.
type MatchPlayer struct {
	ID        string `json:"id"`
	MatchID   string `json:"matchId"`
	PlayerID  string `json:"playerId"`
	Score     int    `json:"score"`
	Placement int    `json:"placement"`
}

// Tombstone records that a match was deleted while cloud sync was configured.
// Any device that uploads must exclude tombstoned ids, and any device that
// downloads must apply tombstones before merging, so the record can never be
// re-materialized by a stale row.
type Tombstone struct {
	OwnerID   string    `json:"ownerId"`
	MatchID   string    `json:"matchId"`
	DeletedAt time.Time `json:"deletedAt"`
	DeviceID  string    `json:"deviceId"`
}
