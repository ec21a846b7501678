package uplink

import (
	"sync"
	"time"
)

// Dedup defaults. The window covers typical multi-path reception spread;
// the entry bound keeps a hot channel from growing the cache unbounded.
const (
	defaultDedupWindow  = 30 * time.Second
	defaultDedupEntries = 512
)

// DedupCache is a time-windowed set of recently published packet hashes.
//
// Each endpoint owns its own cache: a hash suppressed for one endpoint is
// still evaluated independently for every other endpoint. Entries are never
// persisted.
type DedupCache struct {
	window     time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]time.Time
	order   []dedupEntry

	// now is injectable for tests.
	now func() time.Time
}

// dedupEntry preserves insertion order for oldest-first eviction.
type dedupEntry struct {
	hash   string
	seenAt time.Time
}

// NewDedupCache creates a cache with the given window and entry bound.
// Zero values select the defaults.
func NewDedupCache(window time.Duration, maxEntries int) *DedupCache {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupEntries
	}
	return &DedupCache{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// ShouldPublish reports whether the hash has not been seen within the
// window, recording it when it has not.
//
// Returns true at most once per hash per window.
func (c *DedupCache) ShouldPublish(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	if seenAt, ok := c.entries[hash]; ok && now.Sub(seenAt) < c.window {
		return false
	}

	c.entries[hash] = now
	c.order = append(c.order, dedupEntry{hash: hash, seenAt: now})
	if len(c.entries) > c.maxEntries {
		c.evictLocked(now)
	}
	return true
}

// Len returns the current entry count.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now())
	return len(c.entries)
}

// evictLocked drops expired entries and enforces the size bound,
// oldest first. An order entry is only authoritative for the map when its
// timestamp matches; re-recorded hashes leave stale order entries behind
// that are skipped here.
func (c *DedupCache) evictLocked(now time.Time) {
	for len(c.order) > 0 {
		head := c.order[0]
		expired := now.Sub(head.seenAt) >= c.window
		overCap := len(c.entries) > c.maxEntries
		if !expired && !overCap {
			break
		}
		c.order = c.order[1:]
		if seenAt, ok := c.entries[head.hash]; ok && seenAt.Equal(head.seenAt) {
			delete(c.entries, head.hash)
		}
	}
}
