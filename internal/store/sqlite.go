package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/models"
	"github.com/kmorwick/tabletally/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	color      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS matches (
	id           TEXT PRIMARY KEY,
	game_name    TEXT NOT NULL,
	played_at    TIMESTAMP NOT NULL,
	duration_sec INTEGER NOT NULL DEFAULT 0,
	winner_id    TEXT,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS match_players (
	id        TEXT PRIMARY KEY,
	match_id  TEXT NOT NULL,
	player_id TEXT NOT NULL,
	score     INTEGER NOT NULL DEFAULT 0,
	placement INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_match_players_match ON match_players(match_id);

CREATE TABLE IF NOT EXISTS player_stats (
	player_id      TEXT PRIMARY KEY,
	games_played   INTEGER NOT NULL DEFAULT 0,
	wins           INTEGER NOT NULL DEFAULT 0,
	total_score    INTEGER NOT NULL DEFAULT 0,
	recomputed_at  TIMESTAMP NOT NULL
);
`

// SQLiteStore implements Gateway on a local SQLite database. Merges run in a
// single transaction and the store serializes them with its own mutex, so a
// peer merge and a cloud merge can never interleave.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (and migrates) the local store at path.
// Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ExportAll returns a snapshot of every record in the store.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		Players:      []models.Player{},
		Matches:      []models.Match{},
		MatchPlayers: []models.MatchPlayer{},
		ExportDate:   time.Now().UTC(),
		Version:      models.SnapshotVersion,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, color, created_at, updated_at FROM players ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to export players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Player
		if err := rows.Scan(&p.ID, &p.Name, &p.Color, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		snap.Players = append(snap.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT id, game_name, played_at, duration_sec, winner_id, notes, created_at, updated_at FROM matches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to export matches: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var m models.Match
		var winner sql.NullString
		if err := mrows.Scan(&m.ID, &m.GameName, &m.PlayedAt, &m.DurationSec, &winner, &m.Notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.WinnerID = sqlutil.FromSqlStringPtr(winner)
		snap.Matches = append(snap.Matches, m)
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	mprows, err := s.db.QueryContext(ctx, `SELECT id, match_id, player_id, score, placement FROM match_players ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to export match players: %w", err)
	}
	defer mprows.Close()
	for mprows.Next() {
		var mp models.MatchPlayer
		if err := mprows.Scan(&mp.ID, &mp.MatchID, &mp.PlayerID, &mp.Score, &mp.Placement); err != nil {
			return nil, fmt.Errorf("failed to scan match player: %w", err)
		}
		snap.MatchPlayers = append(snap.MatchPlayers, mp)
	}
	if err := mprows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// ImportMerge merges snap into the store in one transaction. With
// MergeModeMerge each record is added only when its id is absent; existing
// records are never overwritten.
func (s *SQLiteStore) ImportMerge(ctx context.Context, snap *models.Snapshot, mode MergeMode) (bool, error) {
	if mode != MergeModeMerge {
		return false, fmt.Errorf("unsupported merge mode: %q", mode)
	}
	if snap == nil {
		return false, fmt.Errorf("nil snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range snap.Players {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO players (id, name, color, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
				p.ID, p.Name, p.Color, p.CreatedAt, p.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge player %s: %w", p.ID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		for _, m := range snap.Matches {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO matches (id, game_name, played_at, duration_sec, winner_id, notes, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.GameName, m.PlayedAt, m.DurationSec, sqlutil.ToSqlString(m.WinnerID), m.Notes, m.CreatedAt, m.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to merge match %s: %w", m.ID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		for _, mp := range snap.MatchPlayers {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO match_players (id, match_id, player_id, score, placement) VALUES (?, ?, ?, ?, ?)`,
				mp.ID, mp.MatchID, mp.PlayerID, mp.Score, mp.Placement)
			if err != nil {
				return fmt.Errorf("failed to merge match player %s: %w", mp.ID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	log.Debug().
		Int("incoming", snap.RecordCount()).
		Int("added", added).
		Msg("snapshot merged into local store")

	return added > 0, nil
}

// MergeData merges snap with id-based add-if-absent semantics. Both sync
// paths call this entry point.
func (s *SQLiteStore) MergeData(ctx context.Context, snap *models.Snapshot) (bool, error) {
	return s.ImportMerge(ctx, snap, MergeModeMerge)
}

// GetMatch returns the match with the given id, or nil when absent.
func (s *SQLiteStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	var winner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, game_name, played_at, duration_sec, winner_id, notes, created_at, updated_at FROM matches WHERE id = ?`, id).
		Scan(&m.ID, &m.GameName, &m.PlayedAt, &m.DurationSec, &winner, &m.Notes, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	m.WinnerID = sqlutil.FromSqlStringPtr(winner)
	return &m, nil
}

// DeleteMatchCascade removes a match and its dependent matchPlayers in one
// transaction. Cloud deletion is the caller's concern.
func (s *SQLiteStore) DeleteMatchCascade(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM match_players WHERE match_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete match players for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM matches WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete match %s: %w", id, err)
		}
		return nil
	})
}

// RecomputeDerivedStats rebuilds the per-player aggregate table from scratch.
func (s *SQLiteStore) RecomputeDerivedStats(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM player_stats`); err != nil {
			return fmt.Errorf("failed to clear player stats: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO player_stats (player_id, games_played, wins, total_score, recomputed_at)
			SELECT
				mp.player_id,
				COUNT(DISTINCT mp.match_id),
				COUNT(DISTINCT CASE WHEN m.winner_id = mp.player_id THEN m.id END),
				COALESCE(SUM(mp.score), 0),
				?
			FROM match_players mp
			JOIN matches m ON m.id = mp.match_id
			GROUP BY mp.player_id`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to recompute player stats: %w", err)
		}
		return nil
	})
}

// PlayerStats is a derived per-player aggregate row.
type PlayerStats struct {
	PlayerID    string
	GamesPlayed int
	Wins        int
	TotalScore  int
}

// GetPlayerStats returns the derived stats row for a player, or nil when the
// player has no recorded matches.
func (s *SQLiteStore) GetPlayerStats(ctx context.Context, playerID string) (*PlayerStats, error) {
	var st PlayerStats
	err := s.db.QueryRowContext(ctx,
		`SELECT player_id, games_played, wins, total_score FROM player_stats WHERE player_id = ?`, playerID).
		Scan(&st.PlayerID, &st.GamesPlayed, &st.Wins, &st.TotalScore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get player stats: %w", err)
	}
	return &st, nil
}
