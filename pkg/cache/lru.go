// Package cache provides a bounded LRU cache for MarkovDB.
//
// The chain store is read far more often than it is written: every generated
// word is one successor lookup, and popular contexts are looked up again and
// again. The cache keeps recently used successor lists in memory in front of
// the durable store.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale entries
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.NewLRU[string, []string](1000, 0)
//
//	if v, ok := c.Get(key); ok {
//		return v // Cache hit
//	}
//
//	v := load(key)
//	c.Put(key, v)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxSize is used when a non-positive size is requested.
const DefaultMaxSize = 1000

// LRU is a thread-safe LRU cache with optional TTL.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type LRU[K comparable, V any] struct {
	mu sync.Mutex

	// Configuration
	maxSize int
	ttl     time.Duration

	// LRU list and map
	list  *list.List
	items map[K]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

// cacheEntry holds a cached item with metadata.
type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates a new cache.
//
// Parameters:
//   - maxSize: Maximum number of entries (LRU eviction when exceeded)
//   - ttl: Time-to-live for entries (0 = no expiration)
func NewLRU[K comparable, V any](maxSize int, ttl time.Duration) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[K]*list.Element, maxSize),
	}
}

// Get retrieves a value if present and not expired.
// Moves the entry to front of LRU list on hit.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	entry := elem.Value.(*cacheEntry[K, V])
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		atomic.AddUint64(&c.misses, 1)
		return zero, false
	}

	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put adds or replaces a value.
//
// If the cache is full, the least recently used entry is evicted.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry[K, V])
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[K, V]{
		key:   key,
		value: value,
	}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
}

// Remove removes an entry from the cache.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[K]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats returns cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *LRU[K, V]) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry[K, V]).key)
}
