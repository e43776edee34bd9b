// Package cloud implements the backend sync service: upload, multi-device
// download, friend download, tombstone-based deletion propagation, and
// debounced background sync against the hosted backend.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kmorwick/tabletally/internal/models"
	"github.com/kmorwick/tabletally/internal/store"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Repo is what the service needs from the backend repository.
type Repo interface {
	UpsertPlayers(ctx context.Context, ownerID string, players []models.Player, deviceID string, syncedAt time.Time) UploadResult
	UpsertMatches(ctx context.Context, ownerID string, matches []models.Match, deviceID string, syncedAt time.Time) UploadResult
	UpsertMatchPlayers(ctx context.Context, ownerID string, matchPlayers []models.MatchPlayer, deviceID string, syncedAt time.Time) UploadResult
	FetchOwnDeviceRows(ctx context.Context, ownerID, deviceID string) (*models.Snapshot, error)
	FetchOwnersRows(ctx context.Context, ownerIDs []string) (*models.Snapshot, error)
	DeleteMatchRows(ctx context.Context, ownerID, matchID string) error
	UpsertTombstone(ctx context.Context, ts models.Tombstone) error
	ListTombstones(ctx context.Context, ownerID string) ([]models.Tombstone, error)
}

// Feed is what the service needs from the change-notification feed.
type Feed interface {
	Publish(notification ChangeNotification) error
	Subscribe(handler func(ChangeNotification)) (func(), error)
}

// Config holds sync service tuning knobs.
type Config struct {
	UploadDebounce   time.Duration // idle window after a local mutation
	DownloadDebounce time.Duration // idle window after a change notification
}

// DefaultServiceConfig returns the default sync service configuration.
func DefaultServiceConfig() Config {
	return Config{
		UploadDebounce:   2 * time.Second,
		DownloadDebounce: 500 * time.Millisecond,
	}
}

// Service synchronizes the local store with the hosted backend. Construct
// with injected dependencies; there are no package-level singletons.
type Service struct {
	repo     Repo
	gateway  store.Gateway
	feed     Feed
	clock    Clock
	status   *StatusBroadcaster
	prefs    *FriendPrefs
	ownerID  string
	deviceID string
	config   Config

	mu             sync.Mutex
	syncInProgress bool
	authenticated  bool
	friends        []string
	autoUpload     bool
	autoSyncOwn    bool
	autoSyncFriend bool

	uploadDebounce   *debouncer
	downloadDebounce *debouncer
	unsubscribe      func()
}

// NewService wires the backend sync service. ownerID is the authenticated
// account; deviceID is this installation's identity, loaded once at startup.
func NewService(repo Repo, gateway store.Gateway, feed Feed, clock Clock, ownerID, deviceID string, config Config) *Service {
	s := &Service{
		repo:          repo,
		gateway:       gateway,
		feed:          feed,
		clock:         clock,
		status:        NewStatusBroadcaster(),
		prefs:         NewFriendPrefs(),
		ownerID:       ownerID,
		deviceID:      deviceID,
		config:        config,
		authenticated: ownerID != "",
	}
	s.uploadDebounce = newDebouncer(clock, config.UploadDebounce, s.debouncedUpload)
	s.downloadDebounce = newDebouncer(clock, config.DownloadDebounce, s.debouncedDownload)
	return s
}

// Status returns the status broadcaster for observer registration.
func (s *Service) Status() *StatusBroadcaster {
	return s.status
}

// Prefs returns the per-friend auto-sync preference map.
func (s *Service) Prefs() *FriendPrefs {
	return s.prefs
}

// SetFriends replaces the friend set used for friend downloads.
func (s *Service) SetFriends(friendIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends = append([]string(nil), friendIDs...)
}

// Upload exports the local snapshot, filters tombstoned matches, and upserts
// each entity type as an independent pass so partial failures stay isolated
// per record.
func (s *Service) Upload(ctx context.Context) error {
	if !s.begin() {
		return fmt.Errorf("sync already in progress")
	}
	defer s.end()

	s.status.Set(SyncStatus{State: SyncUploading, Percent: 0, Message: "exporting local data", At: s.clock.Now()})

	snap, err := s.gateway.ExportAll(ctx)
	if err != nil {
		return s.failStatus(fmt.Errorf("export failed: %w", err))
	}

	tombstones, err := s.repo.ListTombstones(ctx, s.ownerID)
	if err != nil {
		return s.failStatus(fmt.Errorf("failed to fetch tombstones: %w", err))
	}
	outgoing := FilterTombstoned(snap, tombstones)

	syncedAt := s.clock.Now().UTC()
	s.status.Set(SyncStatus{State: SyncUploading, Percent: 25, Message: "uploading players", At: s.clock.Now()})
	players := s.repo.UpsertPlayers(ctx, s.ownerID, outgoing.Players, s.deviceID, syncedAt)

	s.status.Set(SyncStatus{State: SyncUploading, Percent: 50, Message: "uploading matches", At: s.clock.Now()})
	matches := s.repo.UpsertMatches(ctx, s.ownerID, outgoing.Matches, s.deviceID, syncedAt)

	s.status.Set(SyncStatus{State: SyncUploading, Percent: 75, Message: "uploading match players", At: s.clock.Now()})
	matchPlayers := s.repo.UpsertMatchPlayers(ctx, s.ownerID, outgoing.MatchPlayers, s.deviceID, syncedAt)

	failed := players.Failed + matches.Failed + matchPlayers.Failed
	uploaded := players.Uploaded + matches.Uploaded + matchPlayers.Uploaded

	if err := s.feed.Publish(ChangeNotification{OwnerID: s.ownerID, OriginDevice: s.deviceID}); err != nil {
		log.Warn().Err(err).Msg("failed to publish change notification")
	}

	if failed > 0 {
		s.status.Set(SyncStatus{State: SyncError, Percent: 100,
			Message: fmt.Sprintf("uploaded %d records, %d failed", uploaded, failed), At: s.clock.Now()})
		return nil
	}
	s.status.Set(SyncStatus{State: SyncComplete, Percent: 100,
		Message: fmt.Sprintf("uploaded %d records", uploaded), At: s.clock.Now()})
	return nil
}

// DownloadOwnDevices applies pending tombstones first, then merges rows
// written by this account's other devices. Applying tombstones before the
// merge means a record deleted elsewhere cannot be resurrected by a stale
// backend row.
func (s *Service) DownloadOwnDevices(ctx context.Context) error {
	if !s.begin() {
		return fmt.Errorf("sync already in progress")
	}
	defer s.end()

	s.status.Set(SyncStatus{State: SyncDownloading, Percent: 0, Message: "applying deletions", At: s.clock.Now()})

	tombstones, err := s.repo.ListTombstones(ctx, s.ownerID)
	if err != nil {
		return s.failStatus(fmt.Errorf("failed to list tombstones: %w", err))
	}
	if err := s.applyTombstones(ctx, tombstones); err != nil {
		// Consistency errors are logged but do not block the download.
		log.Error().Err(err).Msg("tombstone application incomplete")
	}

	s.status.Set(SyncStatus{State: SyncDownloading, Percent: 30, Message: "fetching updates from other devices", At: s.clock.Now()})
	snap, err := s.repo.FetchOwnDeviceRows(ctx, s.ownerID, s.deviceID)
	if err != nil {
		return s.failStatus(fmt.Errorf("download failed: %w", err))
	}

	// A stale backend row for a tombstoned match must never merge back in.
	return s.mergeDownloaded(ctx, FilterTombstoned(snap, tombstones))
}

// DownloadFriends merges rows owned by the given friend accounts; with no
// explicit subset the configured friend set is used.
func (s *Service) DownloadFriends(ctx context.Context, friendIDs []string) error {
	if len(friendIDs) == 0 {
		s.mu.Lock()
		friendIDs = append([]string(nil), s.friends...)
		s.mu.Unlock()
	}
	if len(friendIDs) == 0 {
		return nil
	}

	if !s.begin() {
		return fmt.Errorf("sync already in progress")
	}
	defer s.end()

	s.status.Set(SyncStatus{State: SyncDownloading, Percent: 0, Message: "fetching friend data", At: s.clock.Now()})
	snap, err := s.repo.FetchOwnersRows(ctx, friendIDs)
	if err != nil {
		return s.failStatus(fmt.Errorf("friend download failed: %w", err))
	}

	return s.mergeDownloaded(ctx, snap)
}

// DeleteMatch propagates a local match deletion: backend rows removed,
// tombstone written, then the local cascade delete. Order matters — the
// tombstone must exist before any other device can upload the match back.
func (s *Service) DeleteMatch(ctx context.Context, matchID string) error {
	if err := s.repo.DeleteMatchRows(ctx, s.ownerID, matchID); err != nil {
		return fmt.Errorf("failed to delete match from backend: %w", err)
	}
	ts := models.Tombstone{
		OwnerID:   s.ownerID,
		MatchID:   matchID,
		DeletedAt: s.clock.Now().UTC(),
		DeviceID:  s.deviceID,
	}
	if err := s.repo.UpsertTombstone(ctx, ts); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	if err := s.gateway.DeleteMatchCascade(ctx, matchID); err != nil {
		return fmt.Errorf("failed to delete match locally: %w", err)
	}
	if err := s.gateway.RecomputeDerivedStats(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to recompute stats after delete")
	}
	log.Info().Str("match_id", matchID).Msg("match deleted and tombstoned")
	return nil
}

// NotifyLocalMutation arms the auto-upload debounce window. Safe to call on
// every local write; at most one upload fires per idle window.
func (s *Service) NotifyLocalMutation() {
	s.mu.Lock()
	enabled := s.autoUpload && s.authenticated
	s.mu.Unlock()
	if enabled {
		s.uploadDebounce.Arm()
	}
}

// SetAutoUpload toggles debounced upload on local mutations.
func (s *Service) SetAutoUpload(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoUpload = enabled
}

// SetAutoSync toggles notification-driven downloads for own devices and for
// friends independently.
func (s *Service) SetAutoSync(ownDevices, friends bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSyncOwn = ownDevices
	s.autoSyncFriend = friends
}

// Start subscribes to the change-notification feed. Stop releases it.
func (s *Service) Start() error {
	unsubscribe, err := s.feed.Subscribe(s.handleChangeNotification)
	if err != nil {
		return fmt.Errorf("failed to start auto-sync: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Stop tears down the subscription and cancels pending debounced work.
func (s *Service) Stop() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.uploadDebounce.Close()
	s.downloadDebounce.Close()
}

// handleChangeNotification debounces a download when a relevant change lands
// on the backend. Notifications from this device's own uploads are skipped.
func (s *Service) handleChangeNotification(n ChangeNotification) {
	if n.OriginDevice == s.deviceID {
		return
	}

	s.mu.Lock()
	own := s.autoSyncOwn && n.OwnerID == s.ownerID
	friend := s.autoSyncFriend && n.OwnerID != s.ownerID && s.prefs.AutoSync(n.OwnerID)
	s.mu.Unlock()

	if !own && !friend {
		return
	}
	log.Debug().Str("owner_id", n.OwnerID).Str("origin_device", n.OriginDevice).Msg("change notification accepted")
	s.downloadDebounce.Arm()
}

func (s *Service) debouncedUpload() {
	s.mu.Lock()
	busy := s.syncInProgress
	authed := s.authenticated
	s.mu.Unlock()
	if busy || !authed {
		log.Debug().Bool("busy", busy).Msg("skipping debounced upload")
		return
	}
	if err := s.Upload(context.Background()); err != nil {
		log.Error().Err(err).Msg("auto-upload failed")
	}
}

func (s *Service) debouncedDownload() {
	s.mu.Lock()
	busy := s.syncInProgress
	own := s.autoSyncOwn
	friend := s.autoSyncFriend
	s.mu.Unlock()
	if busy {
		return
	}
	if own {
		if err := s.DownloadOwnDevices(context.Background()); err != nil {
			log.Error().Err(err).Msg("auto-download (own devices) failed")
		}
	}
	if friend {
		if err := s.DownloadFriends(context.Background(), nil); err != nil {
			log.Error().Err(err).Msg("auto-download (friends) failed")
		}
	}
}

// applyTombstones deletes every tombstoned match that still exists locally
// and recomputes derived stats afterwards.
func (s *Service) applyTombstones(ctx context.Context, tombstones []models.Tombstone) error {
	applied := 0
	var firstErr error
	for _, ts := range tombstones {
		match, err := s.gateway.GetMatch(ctx, ts.MatchID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if match == nil {
			continue
		}
		if err := s.gateway.DeleteMatchCascade(ctx, ts.MatchID); err != nil {
			log.Error().Err(err).Str("match_id", ts.MatchID).Msg("failed to apply tombstone")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
	}
	if applied > 0 {
		if err := s.gateway.RecomputeDerivedStats(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to recompute stats after tombstones")
		}
		log.Info().Int("applied", applied).Msg("tombstones applied locally")
	}
	return firstErr
}

func (s *Service) mergeDownloaded(ctx context.Context, snap *models.Snapshot) error {
	if snap.RecordCount() == 0 {
		s.status.Set(SyncStatus{State: SyncComplete, Percent: 100, Message: "nothing to merge", At: s.clock.Now()})
		return nil
	}

	s.status.Set(SyncStatus{State: SyncMerging, Percent: 80, Message: "merging downloaded records", At: s.clock.Now()})
	added, err := s.gateway.MergeData(ctx, snap)
	if err != nil {
		return s.failStatus(fmt.Errorf("merge failed: %w", err))
	}
	if added {
		if err := s.gateway.RecomputeDerivedStats(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to recompute stats after merge")
		}
	}

	s.status.Set(SyncStatus{State: SyncComplete, Percent: 100,
		Message: fmt.Sprintf("merged %d records", snap.RecordCount()), At: s.clock.Now()})
	return nil
}

// begin claims the single sync slot.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	s.syncInProgress = false
	s.mu.Unlock()
}

func (s *Service) failStatus(err error) error {
	s.status.Set(SyncStatus{State: SyncError, Percent: 0, Message: err.Error(), At: s.clock.Now()})
	return err
}

// FilterTombstoned returns a copy of snap with tombstoned matches and their
// dependent matchPlayers removed.
func FilterTombstoned(snap *models.Snapshot, tombstones []models.Tombstone) *models.Snapshot {
	if len(tombstones) == 0 {
		return snap
	}
	dead := make(map[string]bool, len(tombstones))
	for _, ts := range tombstones {
		dead[ts.MatchID] = true
	}

	out := &models.Snapshot{
		Players:      snap.Players,
		Matches:      make([]models.Match, 0, len(snap.Matches)),
		MatchPlayers: make([]models.MatchPlayer, 0, len(snap.MatchPlayers)),
		ExportDate:   snap.ExportDate,
		Version:      snap.Version,
	}
	for _, m := range snap.Matches {
		if !dead[m.ID] {
			out.Matches = append(out.Matches, m)
		}
	}
	for _, mp := range snap.MatchPlayers {
		if !dead[mp.MatchID] {
			out.MatchPlayers = append(out.MatchPlayers, mp)
		}
	}
	return out
}
