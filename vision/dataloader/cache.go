package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache is a bounded LRU map from sample keys to decoded values. It is safe
// for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry[V any] struct {
	key   string
	value V
}

// NewCache creates a cache holding at most maxSize entries. A non-positive
// size disables caching.
func NewCache[V any](maxSize int) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry[V]).value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache[V]) Put(key string, value V) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry[V]).value = value
		c.lru.MoveToFront(elem)
		return
	}
	c.items[key] = c.lru.PushFront(&cacheEntry[V]{key: key, value: value})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry[V]).key)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
