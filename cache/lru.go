// Package cache provides the bounded in-process caches used by the embedding
// pipeline and the retrieval query cache.
//
// Eviction is oldest-first: when the cache is full the entry that has gone
// the longest without being touched is dropped. Entries carry their insertion
// time so callers can implement staleness policies on top.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value plus its insertion timestamp.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
}

type item[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

// LRU is a bounded least-recently-used cache.
// It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recent
	items   map[K]*list.Element

	hits   uint64
	misses uint64
}

// NewLRU creates a cache holding at most maxSize entries.
// A maxSize <= 0 disables caching entirely (all lookups miss).
func NewLRU[K comparable, V any](maxSize int) *LRU[K, V] {
	return &LRU[K, V]{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Get returns the cached value and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*item[K, V]).entry.Value, true
}

// Peek returns the cached entry without updating recency or hit counters.
func (c *LRU[K, V]) Peek(key K) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	return el.Value.(*item[K, V]).entry, true
}

// Add inserts or replaces a value, evicting the oldest entry when full.
func (c *LRU[K, V]) Add(key K, value V) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*item[K, V]).entry = Entry[V]{Value: value, StoredAt: time.Now()}
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*item[K, V]).key)
		}
	}

	el := c.order.PushFront(&item[K, V]{
		key:   key,
		entry: Entry[V]{Value: value, StoredAt: time.Now()},
	})
	c.items[key] = el
}

// Remove drops a single entry. Unknown keys are a no-op.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Purge drops all entries and resets hit/miss counters.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.items)
	c.hits = 0
	c.misses = 0
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// MaxSize returns the configured capacity.
func (c *LRU[K, V]) MaxSize() int { return c.maxSize }

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:    c.order.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
