package cloud

import "sync"

// FriendPrefs is the local per-friend auto-sync preference map. Friends not
// present in the map default to auto-sync enabled.
type FriendPrefs struct {
	mu sync.RWMutex
	m  map[string]bool
}

// NewFriendPrefs returns an empty preference map.
func NewFriendPrefs() *FriendPrefs {
	return &FriendPrefs{m: make(map[string]bool)}
}

// SetAutoSync records whether changes from friendID should sync automatically.
func (p *FriendPrefs) SetAutoSync(friendID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[friendID] = enabled
}

// AutoSync reports the preference for friendID, defaulting to true.
func (p *FriendPrefs) AutoSync(friendID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	enabled, ok := p.m[friendID]
	if !ok {
		return true
	}
	return enabled
}
