package storage

import (
	"sync"
	"time"

	"github.com/orneryd/markovdb/pkg/cache"
)

// CachedStore wraps a ChainStore with an LRU cache of successor lists.
//
// Writes go through to the underlying store and then drop the cached entry
// for that key, so a reader sees the new token on its next Get. Because all
// writes in MarkovDB come from the single learning worker through this same
// wrapper, invalidation is exact.
//
// Example:
//
//	base, _ := storage.NewBadgerStore("./data")
//	store := storage.NewCachedStore(base, 1000, 0)
//	defer store.Close()
type CachedStore struct {
	ChainStore
	lists *cache.LRU[string, SuccessorList]

	// epoch counts completed writes; a read only fills the cache if no
	// write finished while it was talking to the underlying store.
	fillMu sync.Mutex
	epoch  uint64
}

// NewCachedStore creates a caching wrapper around base.
func NewCachedStore(base ChainStore, maxSize int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		ChainStore: base,
		lists:      cache.NewLRU[string, SuccessorList](maxSize, ttl),
	}
}

// Get returns key's successors, serving repeated lookups from memory.
func (c *CachedStore) Get(key ContextKey) (SuccessorList, error) {
	text := key.String()
	if list, ok := c.lists.Get(text); ok {
		return list.Clone(), nil
	}

	c.fillMu.Lock()
	epoch := c.epoch
	c.fillMu.Unlock()

	list, err := c.ChainStore.Get(key)
	if err != nil {
		return nil, err
	}

	c.fillMu.Lock()
	if c.epoch == epoch {
		c.lists.Put(text, list.Clone())
	}
	c.fillMu.Unlock()
	return list, nil
}

// Append writes through and invalidates key.
func (c *CachedStore) Append(key ContextKey, tok Token) error {
	defer c.invalidate(key)
	return c.ChainStore.Append(key, tok)
}

// Remove writes through and invalidates key.
func (c *CachedStore) Remove(key ContextKey, tok Token) (bool, error) {
	defer c.invalidate(key)
	return c.ChainStore.Remove(key, tok)
}

func (c *CachedStore) invalidate(key ContextKey) {
	c.fillMu.Lock()
	c.epoch++
	c.lists.Remove(key.String())
	c.fillMu.Unlock()
}

// CacheStats returns hit/miss statistics for the successor cache.
func (c *CachedStore) CacheStats() cache.Stats {
	return c.lists.Stats()
}

// Close drops the cache and closes the underlying store.
func (c *CachedStore) Close() error {
	c.lists.Clear()
	return c.ChainStore.Close()
}

var _ ChainStore = (*CachedStore)(nil)
