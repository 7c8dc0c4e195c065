package permission

import (
	"strconv"
	"sync"
	"time"
)

// DefaultCacheTTL is how long an allow or deny decision is reused.
const DefaultCacheTTL = 60 * time.Second

// DecisionCache is a TTL cache of allow/deny decisions keyed by caller and
// tool. Expired entries are treated as absent and dropped on read.
//
// Every key carries a generation that Invalidate bumps. A store read
// captures the generation before it starts and may only populate the cache
// if no invalidation happened while it was in flight, so a grant or revoke
// can never be shadowed by the decision it replaced.
type DecisionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]decisionEntry
	gens    map[string]uint64
}

type decisionEntry struct {
	allowed  bool
	cachedAt time.Time
}

// NewDecisionCache creates a cache with the given TTL.
func NewDecisionCache(ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DecisionCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]decisionEntry),
		gens:    make(map[string]uint64),
	}
}

// cacheKey builds the lookup key for a caller+tool pair.
func cacheKey(callerID int64, toolName string) string {
	return strconv.FormatInt(callerID, 10) + ":" + toolName
}

// Get returns a fresh cached decision.
func (c *DecisionCache) Get(callerID int64, toolName string) (allowed, hit bool) {
	key := cacheKey(callerID, toolName)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if c.now().Sub(e.cachedAt) >= c.ttl {
		delete(c.entries, key)
		return false, false
	}
	return e.allowed, true
}

// Generation returns the current generation of a key. Capture it before
// reading the store and pass it to Set.
func (c *DecisionCache) Generation(callerID int64, toolName string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[cacheKey(callerID, toolName)]
}

// Set caches a decision unless the key was invalidated after gen was read.
// It reports whether the decision was stored.
func (c *DecisionCache) Set(callerID int64, toolName string, allowed bool, gen uint64) bool {
	key := cacheKey(callerID, toolName)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return false
	}
	c.entries[key] = decisionEntry{allowed: allowed, cachedAt: c.now()}
	return true
}

// Invalidate drops the cached decision and fences out in-flight reads.
func (c *DecisionCache) Invalidate(callerID int64, toolName string) {
	key := cacheKey(callerID, toolName)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	c.gens[key]++
}

// Len returns the number of cached entries, expired ones included.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
