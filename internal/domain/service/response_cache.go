package service

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// CachedResponse is the payload stored per fingerprint: the final assistant
// answer and the model that produced it.
type CachedResponse struct {
	Answer string
	Model  string
}

type cacheEntry struct {
	key      string
	value    CachedResponse
	storedAt time.Time
}

// ResponseCache is a fixed-capacity LRU keyed by turn fingerprint. Expiry is
// lazy: an entry past its TTL is dropped on the Get that finds it. Safe for
// concurrent use.
type ResponseCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache builds a cache with the given TTL and capacity. The same
// type backs both the response cache (300 s / 1000) and the simple-query
// cache (60 s / 500).
func NewResponseCache(ttl time.Duration, capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResponseCache{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the live entry for key. Expired entries are evicted here and
// count as misses.
func (c *ResponseCache) Get(key string) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return CachedResponse{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses.Add(1)
		return CachedResponse{}, false
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return entry.value, true
}

// Put inserts or replaces the entry for key. Replacement is atomic: the new
// entry carries a fresh timestamp. Inserting over capacity evicts the least
// recently used entry.
func (c *ResponseCache) Put(key string, value CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = &cacheEntry{key: key, value: value, storedAt: time.Now()}
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, storedAt: time.Now()})
	c.items[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *ResponseCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
