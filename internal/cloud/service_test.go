package cloud

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorwick/tabletally/internal/models"
	"github.com/kmorwick/tabletally/internal/store"
)

// callLog records cross-fake call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) index(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type stubRepo struct {
	log *callLog

	mu           sync.Mutex
	players      []models.Player
	matches      []models.Match
	matchPlayers []models.MatchPlayer
	tombstones   []models.Tombstone
	fetched      *models.Snapshot
	failPlayers  int
}

func (r *stubRepo) UpsertPlayers(ctx context.Context, ownerID string, players []models.Player, deviceID string, syncedAt time.Time) UploadResult {
	r.log.add("upsertPlayers")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = append(r.players, players...)
	return UploadResult{Uploaded: len(players) - r.failPlayers, Failed: r.failPlayers}
}

func (r *stubRepo) UpsertMatches(ctx context.Context, ownerID string, matches []models.Match, deviceID string, syncedAt time.Time) UploadResult {
	r.log.add("upsertMatches")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, matches...)
	return UploadResult{Uploaded: len(matches)}
}

func (r *stubRepo) UpsertMatchPlayers(ctx context.Context, ownerID string, matchPlayers []models.MatchPlayer, deviceID string, syncedAt time.Time) UploadResult {
	r.log.add("upsertMatchPlayers")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchPlayers = append(r.matchPlayers, matchPlayers...)
	return UploadResult{Uploaded: len(matchPlayers)}
}

func (r *stubRepo) FetchOwnDeviceRows(ctx context.Context, ownerID, deviceID string) (*models.Snapshot, error) {
	r.log.add(fmt.Sprintf("fetchOwnDevices:%s:%s", ownerID, deviceID))
	return r.fetchedOrEmpty(), nil
}

func (r *stubRepo) FetchOwnersRows(ctx context.Context, ownerIDs []string) (*models.Snapshot, error) {
	r.log.add(fmt.Sprintf("fetchOwners:%v", ownerIDs))
	return r.fetchedOrEmpty(), nil
}

func (r *stubRepo) DeleteMatchRows(ctx context.Context, ownerID, matchID string) error {
	r.log.add("deleteRows:" + matchID)
	return nil
}

func (r *stubRepo) UpsertTombstone(ctx context.Context, ts models.Tombstone) error {
	r.log.add("tombstone:" + ts.MatchID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tombstones = append(r.tombstones, ts)
	return nil
}

func (r *stubRepo) ListTombstones(ctx context.Context, ownerID string) ([]models.Tombstone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Tombstone(nil), r.tombstones...), nil
}

func (r *stubRepo) fetchedOrEmpty() *models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetched != nil {
		return r.fetched
	}
	return emptySnapshot()
}

type stubGateway struct {
	log *callLog

	mu      sync.Mutex
	export  *models.Snapshot
	matches map[string]*models.Match
	merged  []*models.Snapshot
}

func (g *stubGateway) ExportAll(ctx context.Context) (*models.Snapshot, error) {
	g.log.add("export")
	return g.export, nil
}

func (g *stubGateway) ImportMerge(ctx context.Context, snap *models.Snapshot, mode store.MergeMode) (bool, error) {
	g.log.add("merge")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.merged = append(g.merged, snap)
	return snap.RecordCount() > 0, nil
}

func (g *stubGateway) MergeData(ctx context.Context, snap *models.Snapshot) (bool, error) {
	return g.ImportMerge(ctx, snap, store.MergeModeMerge)
}

func (g *stubGateway) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.matches[id], nil
}

func (g *stubGateway) DeleteMatchCascade(ctx context.Context, id string) error {
	g.log.add("cascade:" + id)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.matches, id)
	return nil
}

func (g *stubGateway) RecomputeDerivedStats(ctx context.Context) error {
	g.log.add("recompute")
	return nil
}

type stubFeed struct {
	mu        sync.Mutex
	published []ChangeNotification
	handler   func(ChangeNotification)
}

func (f *stubFeed) Publish(notification ChangeNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, notification)
	return nil
}

func (f *stubFeed) Subscribe(handler func(ChangeNotification)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {}, nil
}

func (f *stubFeed) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func emptySnapshot() *models.Snapshot {
	return &models.Snapshot{
		Players:      []models.Player{},
		Matches:      []models.Match{},
		MatchPlayers: []models.MatchPlayer{},
		ExportDate:   time.Now().UTC(),
		Version:      models.SnapshotVersion,
	}
}

func localSnapshot() *models.Snapshot {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &models.Snapshot{
		Players: []models.Player{
			{ID: "p1", Name: "Ada", CreatedAt: now, UpdatedAt: now},
			{ID: "p2", Name: "Grace", CreatedAt: now, UpdatedAt: now},
		},
		Matches: []models.Match{
			{ID: "m1", GameName: "Azul", PlayedAt: now, CreatedAt: now, UpdatedAt: now},
			{ID: "m2", GameName: "Chess", PlayedAt: now, CreatedAt: now, UpdatedAt: now},
			{ID: "m3", GameName: "Catan", PlayedAt: now, CreatedAt: now, UpdatedAt: now},
		},
		MatchPlayers: []models.MatchPlayer{
			{ID: "mp1", MatchID: "m1", PlayerID: "p1"},
			{ID: "mp2", MatchID: "m2", PlayerID: "p1"},
			{ID: "mp3", MatchID: "m3", PlayerID: "p2"},
		},
		ExportDate: now,
		Version:    models.SnapshotVersion,
	}
}

func newTestService(clock Clock) (*Service, *stubRepo, *stubGateway, *stubFeed) {
	log := &callLog{}
	repo := &stubRepo{log: log}
	gateway := &stubGateway{log: log, export: localSnapshot(), matches: map[string]*models.Match{}}
	feed := &stubFeed{}
	s := NewService(repo, gateway, feed, clock, "owner-1", "dev-1", DefaultServiceConfig())
	return s, repo, gateway, feed
}

func TestUploadExcludesTombstonedMatches(t *testing.T) {
	s, repo, _, feed := newTestService(clockwork.NewRealClock())
	repo.tombstones = []models.Tombstone{
		{OwnerID: "owner-1", MatchID: "m1"},
		{OwnerID: "owner-1", MatchID: "m2"},
	}

	require.NoError(t, s.Upload(context.Background()))

	require.Len(t, repo.matches, 1)
	assert.Equal(t, "m3", repo.matches[0].ID)
	require.Len(t, repo.matchPlayers, 1)
	assert.Equal(t, "mp3", repo.matchPlayers[0].ID)
	// Players are not keyed to matches and upload in full.
	assert.Len(t, repo.players, 2)

	require.Equal(t, 1, feed.publishedCount())
	assert.Equal(t, "owner-1", feed.published[0].OwnerID)
	assert.Equal(t, "dev-1", feed.published[0].OriginDevice)

	assert.Equal(t, SyncComplete, s.Status().Current().State)
}

func TestUploadReportsPartialFailureWithoutAborting(t *testing.T) {
	s, repo, _, feed := newTestService(clockwork.NewRealClock())
	repo.failPlayers = 1

	require.NoError(t, s.Upload(context.Background()))

	// Matches and matchPlayers still uploaded despite the player failure.
	assert.Len(t, repo.matches, 3)
	assert.Len(t, repo.matchPlayers, 3)
	assert.Equal(t, 1, feed.publishedCount())
	assert.Equal(t, SyncError, s.Status().Current().State)
}

func TestUploadRefusedWhileSyncInProgress(t *testing.T) {
	s, _, _, _ := newTestService(clockwork.NewRealClock())

	require.True(t, s.begin())
	defer s.end()

	err := s.Upload(context.Background())
	assert.Error(t, err)
}

func TestDownloadOwnDevicesAppliesTombstonesBeforeMerge(t *testing.T) {
	s, repo, gateway, _ := newTestService(clockwork.NewRealClock())
	repo.tombstones = []models.Tombstone{{OwnerID: "owner-1", MatchID: "m1"}}
	gateway.matches["m1"] = &models.Match{ID: "m1"}
	repo.fetched = localSnapshot()

	require.NoError(t, s.DownloadOwnDevices(context.Background()))

	cascadeIdx := repo.log.index("cascade:m1")
	mergeIdx := repo.log.index("merge")
	require.GreaterOrEqual(t, cascadeIdx, 0, "tombstoned match must be deleted locally")
	require.GreaterOrEqual(t, mergeIdx, 0)
	assert.Less(t, cascadeIdx, mergeIdx, "deletions apply before the merge")

	require.Len(t, gateway.merged, 1)
	assert.Equal(t, SyncComplete, s.Status().Current().State)
}

func TestDownloadDoesNotResurrectTombstonedMatch(t *testing.T) {
	ctx := context.Background()
	local, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer local.Close()

	// m1 exists locally; the backend still holds a stale row for it.
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seed := &models.Snapshot{
		Players:      []models.Player{{ID: "p1", Name: "Ada", CreatedAt: now, UpdatedAt: now}},
		Matches:      []models.Match{{ID: "m1", GameName: "Azul", PlayedAt: now, CreatedAt: now, UpdatedAt: now}},
		MatchPlayers: []models.MatchPlayer{{ID: "mp1", MatchID: "m1", PlayerID: "p1"}},
		ExportDate:   now,
		Version:      models.SnapshotVersion,
	}
	_, err = local.MergeData(ctx, seed)
	require.NoError(t, err)

	repo := &stubRepo{
		log:        &callLog{},
		tombstones: []models.Tombstone{{OwnerID: "owner-1", MatchID: "m1"}},
		fetched:    localSnapshot(), // contains m1 plus fresh m2/m3 rows
	}
	s := NewService(repo, local, &stubFeed{}, clockwork.NewRealClock(), "owner-1", "dev-1", DefaultServiceConfig())

	require.NoError(t, s.DownloadOwnDevices(ctx))

	m, err := local.GetMatch(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m, "tombstoned match must not be re-created by a stale backend row")

	snap, err := local.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Matches, 2)
	assert.Equal(t, "m2", snap.Matches[0].ID)
	assert.Equal(t, "m3", snap.Matches[1].ID)
	for _, mp := range snap.MatchPlayers {
		assert.NotEqual(t, "m1", mp.MatchID, "dependents of the tombstoned match must stay gone")
	}
}

func TestDownloadOwnDevicesSkipsAlreadyDeletedTombstones(t *testing.T) {
	s, repo, gateway, _ := newTestService(clockwork.NewRealClock())
	repo.tombstones = []models.Tombstone{{OwnerID: "owner-1", MatchID: "m-gone"}}

	require.NoError(t, s.DownloadOwnDevices(context.Background()))

	assert.Equal(t, -1, repo.log.index("cascade:m-gone"))
	assert.Empty(t, gateway.merged, "empty download merges nothing")
}

func TestDownloadFriendsUsesConfiguredSet(t *testing.T) {
	s, repo, _, _ := newTestService(clockwork.NewRealClock())
	s.SetFriends([]string{"f1", "f2"})
	repo.fetched = localSnapshot()

	require.NoError(t, s.DownloadFriends(context.Background(), nil))

	assert.GreaterOrEqual(t, repo.log.index("fetchOwners:[f1 f2]"), 0)
}

func TestDownloadFriendsWithNoFriendsIsNoOp(t *testing.T) {
	s, repo, _, _ := newTestService(clockwork.NewRealClock())

	require.NoError(t, s.DownloadFriends(context.Background(), nil))
	assert.Empty(t, repo.log.calls)
}

func TestDeleteMatchWritesTombstoneBeforeLocalDelete(t *testing.T) {
	s, repo, gateway, _ := newTestService(clockwork.NewRealClock())
	gateway.matches["m1"] = &models.Match{ID: "m1"}

	require.NoError(t, s.DeleteMatch(context.Background(), "m1"))

	deleteRowsIdx := repo.log.index("deleteRows:m1")
	tombstoneIdx := repo.log.index("tombstone:m1")
	cascadeIdx := repo.log.index("cascade:m1")
	require.GreaterOrEqual(t, deleteRowsIdx, 0)
	require.GreaterOrEqual(t, tombstoneIdx, 0)
	require.GreaterOrEqual(t, cascadeIdx, 0)
	assert.Less(t, deleteRowsIdx, tombstoneIdx)
	assert.Less(t, tombstoneIdx, cascadeIdx)

	require.Len(t, repo.tombstones, 1)
	ts := repo.tombstones[0]
	assert.Equal(t, "owner-1", ts.OwnerID)
	assert.Equal(t, "m1", ts.MatchID)
	assert.Equal(t, "dev-1", ts.DeviceID)
	assert.False(t, ts.DeletedAt.IsZero())
}

func TestChangeNotificationFromOwnDeviceIsIgnored(t *testing.T) {
	s, _, _, _ := newTestService(clockwork.NewFakeClock())
	s.SetAutoSync(true, true)

	s.handleChangeNotification(ChangeNotification{OwnerID: "owner-1", OriginDevice: "dev-1"})

	assert.False(t, debounceArmed(s.downloadDebounce))
}

func TestChangeNotificationRespectsFriendPreference(t *testing.T) {
	s, _, _, _ := newTestService(clockwork.NewFakeClock())
	s.SetAutoSync(true, true)
	s.Prefs().SetAutoSync("friend-9", false)

	s.handleChangeNotification(ChangeNotification{OwnerID: "friend-9", OriginDevice: "dev-x"})
	assert.False(t, debounceArmed(s.downloadDebounce))

	// Friends without an explicit preference default to auto-sync on.
	s.handleChangeNotification(ChangeNotification{OwnerID: "friend-2", OriginDevice: "dev-x"})
	assert.True(t, debounceArmed(s.downloadDebounce))
}

func TestChangeNotificationTriggersDebouncedDownload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, repo, _, _ := newTestService(clock)
	s.SetAutoSync(true, false)

	s.handleChangeNotification(ChangeNotification{OwnerID: "owner-1", OriginDevice: "dev-2"})
	require.True(t, debounceArmed(s.downloadDebounce))

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return repo.log.index("fetchOwnDevices:owner-1:dev-1") >= 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalMutationTriggersDebouncedUpload(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, _, _, feed := newTestService(clock)
	s.SetAutoUpload(true)

	s.NotifyLocalMutation()
	s.NotifyLocalMutation()
	require.True(t, debounceArmed(s.uploadDebounce))

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		return feed.publishedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalMutationIgnoredWhenAutoUploadOff(t *testing.T) {
	s, _, _, _ := newTestService(clockwork.NewFakeClock())
	s.SetAutoUpload(false)

	s.NotifyLocalMutation()
	assert.False(t, debounceArmed(s.uploadDebounce))
}

func TestFilterTombstoned(t *testing.T) {
	snap := localSnapshot()
	out := FilterTombstoned(snap, []models.Tombstone{
		{MatchID: "m1"},
		{MatchID: "m3"},
	})

	require.Len(t, out.Matches, 1)
	assert.Equal(t, "m2", out.Matches[0].ID)
	require.Len(t, out.MatchPlayers, 1)
	assert.Equal(t, "mp2", out.MatchPlayers[0].ID)
	assert.Len(t, out.Players, 2)

	// The source snapshot is untouched.
	assert.Len(t, snap.Matches, 3)
}

func TestFilterTombstonedWithNoTombstonesReturnsInput(t *testing.T) {
	snap := localSnapshot()
	assert.Same(t, snap, FilterTombstoned(snap, nil))
}

func TestFriendPrefsDefaultTrue(t *testing.T) {
	p := NewFriendPrefs()
	assert.True(t, p.AutoSync("anyone"))

	p.SetAutoSync("anyone", false)
	assert.False(t, p.AutoSync("anyone"))

	p.SetAutoSync("anyone", true)
	assert.True(t, p.AutoSync("anyone"))
}

func debounceArmed(d *debouncer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
