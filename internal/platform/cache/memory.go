package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMemoryCapacity = 1000

type memoryEntry struct {
	key     string
	value   any
	expires time.Time // zero never expires
}

// MemoryCache is a bounded in-process LRU. Expired entries are dropped when they are
// read or when room is needed, so no background goroutine is involved.
type MemoryCache struct {
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List // front is most recently used
	entries map[string]*list.Element

	hits, misses, evictions atomic.Uint64
}

// MemoryStats reports the size and effectiveness of a MemoryCache.
type MemoryStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NewMemoryCache creates a cache holding at most capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryCache{
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if ok && c.expired(el.Value.(*memoryEntry)) {
		c.drop(el)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, ErrNotFound
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	return el.Value.(*memoryEntry).value, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.value, e.expires = value, expires
		c.order.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	for c.order.Len() > c.capacity {
		c.evictOne()
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.drop(el)
	}
	return nil
}

// Close releases the entries.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.entries)
	return nil
}

func (c *MemoryCache) Stats() MemoryStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return MemoryStats{
		Entries:   n,
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// evictOne removes an expired entry if one is found near the LRU end, otherwise the
// least recently used one. Caller holds mu.
func (c *MemoryCache) evictOne() {
	const scan = 8
	el := c.order.Back()
	for i := 0; el != nil && i < scan; i, el = i+1, el.Prev() {
		if c.expired(el.Value.(*memoryEntry)) {
			c.drop(el)
			return
		}
	}
	c.drop(c.order.Back())
	c.evictions.Add(1)
}

func (c *MemoryCache) expired(e *memoryEntry) bool {
	return !e.expires.IsZero() && c.now().After(e.expires)
}

func (c *MemoryCache) drop(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*memoryEntry).key)
}
