package embedding

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// vectorCache is an LRU with per-entry TTL holding embedding vectors keyed
// by content hash. Expiry is lazy: stale entries are dropped on lookup.
type vectorCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	ttl      time.Duration
	capacity int

	hits   atomic.Int64
	misses atomic.Int64
}

type vectorEntry struct {
	key      string
	vector   []float32
	storedAt time.Time
}

func newVectorCache(ttl time.Duration, capacity int) *vectorCache {
	return &vectorCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
	}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := elem.Value.(*vectorEntry)
	if time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses.Add(1)
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.vector, true
}

func (c *vectorCache) put(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*vectorEntry)
		entry.vector = vector
		entry.storedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&vectorEntry{key: key, vector: vector, storedAt: time.Now()})
	c.entries[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*vectorEntry).key)
	}
}

func (c *vectorCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
