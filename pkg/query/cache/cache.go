// Package cache provides generation-scoped memoization of derived views.
package cache

import (
	"sync"
)

// Cache memoizes query results for one state generation at a time. Moving
// to a newer generation drops every entry, since all results derived from
// the old state are outdated.
type Cache struct {
	mu         sync.Mutex
	generation uint64
	entries    map[string]any
	maxSize    int
	hits       int64
	misses     int64
}

// NewCache creates a cache holding at most maxSize entries per generation.
func NewCache(maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]any),
		maxSize: maxSize,
	}
}

// Get retrieves a cached result for key at generation gen.
func (c *Cache) Get(gen uint64, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.misses++
		return nil, false
	}

	v, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return v, true
}

// Put stores a result computed at generation gen. Results for a generation
// older than the cached one are discarded.
func (c *Cache) Put(gen uint64, key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case gen < c.generation:
		return
	case gen > c.generation:
		c.generation = gen
		c.entries = make(map[string]any)
	}

	// Evict everything if at capacity; entries are cheap to recompute.
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.entries = make(map[string]any)
	}
	c.entries[key] = v
}

// InvalidateAll clears the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]any)
	c.mu.Unlock()
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Generation: c.generation,
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    c.hitRate(),
	}
}

func (c *Cache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Stats contains cache statistics.
type Stats struct {
	Generation uint64
	Entries    int
	Hits       int64
	Misses     int64
	HitRate    float64
}
