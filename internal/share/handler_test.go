package share

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorwick/tabletally/internal/models"
)

type stubLinks struct {
	snapshots map[string]*models.Snapshot
	expired   []string
}

func (s *stubLinks) GetSharedSnapshot(ctx context.Context, token string) (*models.Snapshot, error) {
	return s.snapshots[token], nil
}

func (s *stubLinks) ExpireShareLink(ctx context.Context, token string) error {
	s.expired = append(s.expired, token)
	return nil
}

func newTestServer(links *stubLinks) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(links).Register(mux)
	return httptest.NewServer(mux)
}

func TestGetSharedSnapshot(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	links := &stubLinks{snapshots: map[string]*models.Snapshot{
		"tok-1": {
			Players:      []models.Player{{ID: "p1", Name: "Ada", CreatedAt: now, UpdatedAt: now}},
			Matches:      []models.Match{},
			MatchPlayers: []models.MatchPlayer{},
			ExportDate:   now,
			Version:      models.SnapshotVersion,
		},
	}}
	srv := newTestServer(links)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/share/tok-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap models.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Players, 1)
	assert.Equal(t, "Ada", snap.Players[0].Name)
}

func TestGetSharedSnapshotUnknownToken(t *testing.T) {
	srv := newTestServer(&stubLinks{snapshots: map[string]*models.Snapshot{}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/share/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExpireShareLink(t *testing.T) {
	links := &stubLinks{snapshots: map[string]*models.Snapshot{}}
	srv := newTestServer(links)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/share/tok-1/expire", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"tok-1"}, links.expired)
}
