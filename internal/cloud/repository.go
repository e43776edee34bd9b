package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/models"
	"github.com/kmorwick/tabletally/internal/sqlutil"
)

// Repository implements backend data access against the hosted Postgres.
// Every write is an upsert keyed by the table's declared conflict key, so
// re-uploading the same row is a no-op.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const backendSchema = `
CREATE TABLE IF NOT EXISTS cloud_players (
	owner_id   TEXT NOT NULL,
	local_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	color      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	device_id  TEXT NOT NULL,
	synced_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, local_id)
);

CREATE TABLE IF NOT EXISTS cloud_matches (
	owner_id     TEXT NOT NULL,
	id           TEXT NOT NULL,
	game_name    TEXT NOT NULL,
	played_at    TIMESTAMPTZ NOT NULL,
	duration_sec INTEGER NOT NULL DEFAULT 0,
	winner_id    TEXT,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	device_id    TEXT NOT NULL,
	synced_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, id)
);

CREATE TABLE IF NOT EXISTS cloud_match_players (
	owner_id  TEXT NOT NULL,
	id        TEXT NOT NULL,
	match_id  TEXT NOT NULL,
	player_id TEXT NOT NULL,
	score     INTEGER NOT NULL DEFAULT 0,
	placement INTEGER NOT NULL DEFAULT 0,
	device_id TEXT NOT NULL,
	synced_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, id)
);

CREATE INDEX IF NOT EXISTS idx_cloud_match_players_match
	ON cloud_match_players(owner_id, match_id);

CREATE TABLE IF NOT EXISTS cloud_tombstones (
	owner_id   TEXT NOT NULL,
	match_id   TEXT NOT NULL,
	deleted_at TIMESTAMPTZ NOT NULL,
	device_id  TEXT NOT NULL,
	PRIMARY KEY (owner_id, match_id)
);

CREATE TABLE IF NOT EXISTS cloud_share_links (
	token      TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ
);
`

// Migrate ensures the backend tables exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, backendSchema); err != nil {
		return fmt.Errorf("failed to migrate backend schema: %w", err)
	}
	return nil
}

// UploadResult counts one entity-type upload pass. Failures are per record,
// not per snapshot.
type UploadResult struct {
	Uploaded int
	Failed   int
}

// UpsertPlayers uploads players keyed by (owner_id, local_id), stamping each
// row with the device identity and sync timestamp.
func (r *Repository) UpsertPlayers(ctx context.Context, ownerID string, players []models.Player, deviceID string, syncedAt time.Time) UploadResult {
	var res UploadResult
	for _, p := range players {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO cloud_players (
			  owner_id, local_id, name, color, created_at, updated_at, device_id, synced_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (owner_id, local_id) DO UPDATE SET
			  name = EXCLUDED.name,
			  color = EXCLUDED.color,
			  updated_at = EXCLUDED.updated_at,
			  device_id = EXCLUDED.device_id,
			  synced_at = EXCLUDED.synced_at
		`, ownerID, p.ID, p.Name, p.Color, p.CreatedAt, p.UpdatedAt, deviceID, syncedAt)
		if err != nil {
			log.Error().Err(err).Str("player_id", p.ID).Msg("failed to upsert player")
			res.Failed++
			continue
		}
		res.Uploaded++
	}
	return res
}

// UpsertMatches uploads matches keyed by (owner_id, id).
func (r *Repository) UpsertMatches(ctx context.Context, ownerID string, matches []models.Match, deviceID string, syncedAt time.Time) UploadResult {
	var res UploadResult
	for _, m := range matches {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO cloud_matches (
			  owner_id, id, game_name, played_at, duration_sec, winner_id, notes,
			  created_at, updated_at, device_id, synced_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (owner_id, id) DO UPDATE SET
			  game_name = EXCLUDED.game_name,
			  played_at = EXCLUDED.played_at,
			  duration_sec = EXCLUDED.duration_sec,
			  winner_id = EXCLUDED.winner_id,
			  notes = EXCLUDED.notes,
			  updated_at = EXCLUDED.updated_at,
			  device_id = EXCLUDED.device_id,
			  synced_at = EXCLUDED.synced_at
		`, ownerID, m.ID, m.GameName, m.PlayedAt, m.DurationSec, sqlutil.ToSqlString(m.WinnerID), m.Notes,
			m.CreatedAt, m.UpdatedAt, deviceID, syncedAt)
		if err != nil {
			log.Error().Err(err).Str("match_id", m.ID).Msg("failed to upsert match")
			res.Failed++
			continue
		}
		res.Uploaded++
	}
	return res
}

// UpsertMatchPlayers uploads matchPlayers keyed by (owner_id, id).
func (r *Repository) UpsertMatchPlayers(ctx context.Context, ownerID string, matchPlayers []models.MatchPlayer, deviceID string, syncedAt time.Time) UploadResult {
	var res UploadResult
	for _, mp := range matchPlayers {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO cloud_match_players (
			  owner_id, id, match_id, player_id, score, placement, device_id, synced_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (owner_id, id) DO UPDATE SET
			  score = EXCLUDED.score,
			  placement = EXCLUDED.placement,
			  device_id = EXCLUDED.device_id,
			  synced_at = EXCLUDED.synced_at
		`, ownerID, mp.ID, mp.MatchID, mp.PlayerID, mp.Score, mp.Placement, deviceID, syncedAt)
		if err != nil {
			log.Error().Err(err).Str("match_player_id", mp.ID).Msg("failed to upsert match player")
			res.Failed++
			continue
		}
		res.Uploaded++
	}
	return res
}

// FetchOwnDeviceRows returns this account's rows stamped with a device
// identity different from the local one, mapped back into snapshot shape.
func (r *Repository) FetchOwnDeviceRows(ctx context.Context, ownerID, deviceID string) (*models.Snapshot, error) {
	return r.fetchRows(ctx,
		`owner_id = $1 AND device_id <> $2`, []any{ownerID, deviceID})
}

// FetchOwnersRows returns every row owned by any account in ownerIDs.
func (r *Repository) FetchOwnersRows(ctx context.Context, ownerIDs []string) (*models.Snapshot, error) {
	return r.fetchRows(ctx, `owner_id = ANY($1)`, []any{ownerIDs})
}

func (r *Repository) fetchRows(ctx context.Context, where string, args []any) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		Players:      []models.Player{},
		Matches:      []models.Match{},
		MatchPlayers: []models.MatchPlayer{},
		ExportDate:   time.Now().UTC(),
		Version:      models.SnapshotVersion,
	}

	rows, err := r.pool.Query(ctx,
		`SELECT local_id, name, color, created_at, updated_at FROM cloud_players WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Player
		if err := rows.Scan(&p.ID, &p.Name, &p.Color, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan player row: %w", err)
		}
		snap.Players = append(snap.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := r.pool.Query(ctx,
		`SELECT id, game_name, played_at, duration_sec, winner_id, notes, created_at, updated_at FROM cloud_matches WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch matches: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var m models.Match
		if err := mrows.Scan(&m.ID, &m.GameName, &m.PlayedAt, &m.DurationSec, &m.WinnerID, &m.Notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match row: %w", err)
		}
		snap.Matches = append(snap.Matches, m)
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	mprows, err := r.pool.Query(ctx,
		`SELECT id, match_id, player_id, score, placement FROM cloud_match_players WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match players: %w", err)
	}
	defer mprows.Close()
	for mprows.Next() {
		var mp models.MatchPlayer
		if err := mprows.Scan(&mp.ID, &mp.MatchID, &mp.PlayerID, &mp.Score, &mp.Placement); err != nil {
			return nil, fmt.Errorf("failed to scan match player row: %w", err)
		}
		snap.MatchPlayers = append(snap.MatchPlayers, mp)
	}
	if err := mprows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// DeleteMatchRows removes a match and its matchPlayers from the backend.
func (r *Repository) DeleteMatchRows(ctx context.Context, ownerID, matchID string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM cloud_match_players WHERE owner_id = $1 AND match_id = $2`, ownerID, matchID); err != nil {
		return fmt.Errorf("failed to delete match players from backend: %w", err)
	}
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM cloud_matches WHERE owner_id = $1 AND id = $2`, ownerID, matchID); err != nil {
		return fmt.Errorf("failed to delete match from backend: %w", err)
	}
	return nil
}

// UpsertTombstone records that a match must never be re-materialized.
// Idempotent on (owner_id, match_id).
func (r *Repository) UpsertTombstone(ctx context.Context, ts models.Tombstone) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cloud_tombstones (owner_id, match_id, deleted_at, device_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner_id, match_id) DO NOTHING
	`, ts.OwnerID, ts.MatchID, ts.DeletedAt, ts.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert tombstone: %w", err)
	}
	return nil
}

// ListTombstones returns every tombstone for ownerID. The sync core never
// deletes tombstones.
func (r *Repository) ListTombstones(ctx context.Context, ownerID string) ([]models.Tombstone, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT owner_id, match_id, deleted_at, device_id FROM cloud_tombstones WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []models.Tombstone
	for rows.Next() {
		var ts models.Tombstone
		if err := rows.Scan(&ts.OwnerID, &ts.MatchID, &ts.DeletedAt, &ts.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, ts)
	}
	return tombstones, rows.Err()
}

// GetSharedSnapshot resolves a live share token to the owner's
// tombstone-filtered snapshot. Expired or unknown tokens return nil.
func (r *Repository) GetSharedSnapshot(ctx context.Context, token string) (*models.Snapshot, error) {
	var ownerID string
	err := r.pool.QueryRow(ctx, `
		SELECT owner_id FROM cloud_share_links
		WHERE token = $1 AND (expires_at IS NULL OR expires_at > now())
	`, token).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share link: %w", err)
	}

	snap, err := r.fetchRows(ctx, `owner_id = $1`, []any{ownerID})
	if err != nil {
		return nil, err
	}

	tombstones, err := r.ListTombstones(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return FilterTombstoned(snap, tombstones), nil
}

// ExpireShareLink invalidates a share token. Expiring an unknown token is a
// no-op.
func (r *Repository) ExpireShareLink(ctx context.Context, token string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE cloud_share_links SET expires_at = now() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to expire share link: %w", err)
	}
	return nil
}
