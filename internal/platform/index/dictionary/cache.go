package dictionary

import "sync"

// cacheKey scopes a cached id to its tenant, kind and natural key.
type cacheKey struct {
	tenant string
	kind   Kind
	key    Key
}

// Cache is a bounded, thread-safe map from natural keys to surrogate ids.
// Dictionary rows are immutable once created, so entries never go stale;
// eviction exists purely to bound memory. Insertion order is tracked in a
// ring so the oldest entries are evicted first.
type Cache struct {
	mu      sync.RWMutex
	max     int
	entries map[cacheKey]int64
	order   []cacheKey
	head    int
}

// NewCache creates a Cache holding at most max entries.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 100_000
	}
	return &Cache{
		max:     max,
		entries: make(map[cacheKey]int64, max),
		order:   make([]cacheKey, 0, max),
	}
}

// Get returns the cached surrogate id for the key, if present.
func (c *Cache) Get(tenant string, kind Kind, key Key) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[cacheKey{tenant: tenant, kind: kind, key: key}]
	return id, ok
}

// Put stores a resolved id, evicting the oldest entry when full.
func (c *Cache) Put(tenant string, kind Kind, key Key, id int64) {
	ck := cacheKey{tenant: tenant, kind: kind, key: key}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[ck]; exists {
		return
	}
	if len(c.entries) >= c.max {
		oldest := c.order[c.head]
		delete(c.entries, oldest)
		c.order[c.head] = ck
		c.head = (c.head + 1) % len(c.order)
	} else {
		c.order = append(c.order, ck)
	}
	c.entries[ck] = id
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
