package cloud

import (
	"sync"
	"time"
)

// SyncState enumerates the backend sync service's coarse states.
type SyncState string

const (
	SyncIdle        SyncState = "idle"
	SyncUploading   SyncState = "uploading"
	SyncDownloading SyncState = "downloading"
	SyncMerging     SyncState = "merging"
	SyncComplete    SyncState = "complete"
	SyncError       SyncState = "error"
)

// SyncStatus is the single current-status value broadcast to observers.
type SyncStatus struct {
	State   SyncState `json:"state"`
	Percent int       `json:"percent"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StatusBroadcaster holds the current sync status and fans out every change.
// Late subscribers receive the current status immediately on registration.
type StatusBroadcaster struct {
	mu      sync.Mutex
	current SyncStatus
	nextID  int
	subs    map[int]func(SyncStatus)
}

// NewStatusBroadcaster starts in the idle state.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		current: SyncStatus{State: SyncIdle},
		subs:    make(map[int]func(SyncStatus)),
	}
}

// Subscribe registers an observer and delivers the current status to it
// right away. The returned function unsubscribes.
func (b *StatusBroadcaster) Subscribe(fn func(SyncStatus)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	cur := b.current
	b.mu.Unlock()

	fn(cur)
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Current returns the latest status.
func (b *StatusBroadcaster) Current() SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Set replaces the current status and notifies every observer.
func (b *StatusBroadcaster) Set(status SyncStatus) {
	b.mu.Lock()
	b.current = status
	fns := make([]func(SyncStatus), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
