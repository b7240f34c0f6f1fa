package transport

import (
	"sync"

	"scmesh.dev/transport/internal/corehost"
)

// EvictionThreshold is the consecutive-failure count (N in SPEC_FULL.md's
// Open Question decision) after which a PeerTransportCache entry is
// removed rather than merely left stale.
const EvictionThreshold = 3

// peerCacheEntry tracks the last bearer a peer's send succeeded on, plus
// how many sends in a row have failed against it since.
type peerCacheEntry struct {
	bearer              corehost.Bearer
	consecutiveFailures int
}

// PeerTransportCache maps peers to the bearer their last successful send
// used, per SPEC_FULL.md §3. Entries are inserted on first success and
// removed once EvictionThreshold consecutive sends fail.
type PeerTransportCache struct {
	mu      sync.RWMutex
	entries map[string]*peerCacheEntry
}

// NewPeerTransportCache constructs an empty cache.
func NewPeerTransportCache() *PeerTransportCache {
	return &PeerTransportCache{entries: make(map[string]*peerCacheEntry)}
}

// Get returns the cached bearer for peerID, if any.
func (c *PeerTransportCache) Get(peerID string) (corehost.Bearer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[peerID]
	if !ok {
		return 0, false
	}
	return e.bearer, true
}

// RecordSuccess sets (or refreshes) peerID's cached bearer and clears its
// failure count.
func (c *PeerTransportCache) RecordSuccess(peerID string, bearer corehost.Bearer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[peerID] = &peerCacheEntry{bearer: bearer}
}

// RecordFailure increments peerID's consecutive-failure count and evicts
// the entry once it reaches EvictionThreshold. Returns true if the entry
// was evicted.
func (c *PeerTransportCache) RecordFailure(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[peerID]
	if !ok {
		return false
	}
	e.consecutiveFailures++
	if e.consecutiveFailures >= EvictionThreshold {
		delete(c.entries, peerID)
		return true
	}
	return false
}

// Clear empties the cache, as stop_all requires.
func (c *PeerTransportCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*peerCacheEntry)
}

// ActiveTransports tracks which bearers are currently running, per
// SPEC_FULL.md §3.
type ActiveTransports struct {
	mu sync.RWMutex
	on map[corehost.Bearer]bool
}

// NewActiveTransports constructs a tracker with every bearer off.
func NewActiveTransports() *ActiveTransports {
	return &ActiveTransports{on: make(map[corehost.Bearer]bool)}
}

// Set marks bearer on or off.
func (a *ActiveTransports) Set(bearer corehost.Bearer, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.on[bearer] = on
}

// IsOn reports whether bearer is currently marked on.
func (a *ActiveTransports) IsOn(bearer corehost.Bearer) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.on[bearer]
}

// Snapshot returns the set of bearers currently on.
func (a *ActiveTransports) Snapshot() []corehost.Bearer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]corehost.Bearer, 0, len(a.on))
	for b, on := range a.on {
		if on {
			out = append(out, b)
		}
	}
	return out
}

// Clear marks every bearer off, as stop_all requires.
func (a *ActiveTransports) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.on = make(map[corehost.Bearer]bool)
}
