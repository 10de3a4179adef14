// Package cache provides the in-memory decision cache: an LRU with per-entry
// TTLs, a background sweeper for expired entries, and sensitivity-derived
// TTL selection. All operations are best-effort; a cache fault degrades to a
// miss so the caller falls through to full evaluation.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// DefaultMaxEntries is the LRU capacity when none is configured.
const DefaultMaxEntries = 10000

// DefaultTTLs maps resource sensitivity to decision TTL. Higher sensitivity
// means a shorter window between full re-evaluations.
var DefaultTTLs = map[authz.Sensitivity]time.Duration{
	authz.SensitivityCritical: 60 * time.Second,
	authz.SensitivityHigh:     120 * time.Second,
	authz.SensitivityMedium:   180 * time.Second,
	authz.SensitivityLow:      300 * time.Second,
}

// entry is one cached decision with its expiry and recency-list element.
type entry struct {
	key       string
	decision  authz.Decision
	expiresAt time.Time
	elem      *list.Element
}

// Stats reports cache counters since construction.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
	Size      int
}

// DecisionCache is a concurrency-safe LRU+TTL store of authorization
// decisions. Reads take a write lock only to maintain recency; the hot
// path is a single map lookup plus a list move.
type DecisionCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	recency    *list.List // front = most recently used
	maxEntries int
	ttls       map[authz.Sensitivity]time.Duration
	defaultTTL time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	now func() time.Time // swapped in tests
}

// Option configures a DecisionCache.
type Option func(*DecisionCache)

// WithMaxEntries overrides the LRU capacity.
func WithMaxEntries(n int) Option {
	return func(c *DecisionCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTLs overrides the sensitivity→TTL table. Levels absent from the map
// fall back to the default TTL.
func WithTTLs(ttls map[authz.Sensitivity]time.Duration) Option {
	return func(c *DecisionCache) {
		if len(ttls) > 0 {
			c.ttls = ttls
		}
	}
}

// WithDefaultTTL sets the TTL used for unknown sensitivity levels.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *DecisionCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// withClock replaces the time source for tests.
func withClock(now func() time.Time) Option {
	return func(c *DecisionCache) { c.now = now }
}

// New creates an empty decision cache.
func New(opts ...Option) *DecisionCache {
	c := &DecisionCache{
		entries:    make(map[string]*entry),
		recency:    list.New(),
		maxEntries: DefaultMaxEntries,
		ttls:       DefaultTTLs,
		defaultTTL: 180 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTLFor returns the configured TTL for a sensitivity level.
func (c *DecisionCache) TTLFor(s authz.Sensitivity) time.Duration {
	if ttl, ok := c.ttls[s]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Get returns the cached decision for key, or ok=false on miss or expiry.
// Expired entries are removed lazily.
func (c *DecisionCache) Get(key string) (authz.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return authz.Decision{}, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		c.expired++
		c.misses++
		return authz.Decision{}, false
	}
	c.recency.MoveToFront(e.elem)
	c.hits++
	return e.decision, true
}

// Set stores a decision under key with the given TTL, evicting the least
// recently used entry when the cache is full. Non-positive TTLs are dropped.
func (c *DecisionCache) Set(key string, d authz.Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		// Last writer wins under the same key.
		e.decision = d
		e.expiresAt = c.now().Add(ttl)
		c.recency.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.recency.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions++
	}

	e := &entry{key: key, decision: d, expiresAt: c.now().Add(ttl)}
	e.elem = c.recency.PushFront(e)
	c.entries[key] = e
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (c *DecisionCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// CleanupExpired removes all expired entries and returns the number removed.
// Called by the background sweeper and usable directly in tests.
func (c *DecisionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

// Size returns the current entry count.
func (c *DecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *DecisionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Size:      len(c.entries),
	}
}

// removeLocked unlinks an entry from both indexes. Caller holds c.mu.
func (c *DecisionCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.recency.Remove(e.elem)
}
