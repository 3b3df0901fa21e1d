package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the sliding expiration of an unpinned entry.
const DefaultTTL = 15 * time.Second

// entry is one cached value.
type entry[K comparable, V any] struct {
	key        K
	value      V
	pinned     bool
	lastAccess time.Time
	elem       *list.Element // elem is the position in the lru list, nil while pinned
}

// Cache holds values that are either pinned, and never evicted, or unpinned
// and evicted after ttl without access. Concurrent misses on one key run the
// constructor once.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	lru     *list.List // lru holds unpinned entries, most recently used at the front

	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
	onEvict func(key K, value V)
}

// New creates a cache with the given sliding expiration.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache[K, V]{
		entries: make(map[K]*entry[K, V]),
		lru:     list.New(),
		ttl:     ttl,
		now:     time.Now,
	}
}

// OnEvict registers a callback invoked outside the lock for every evicted entry.
func (c *Cache[K, V]) OnEvict(fn func(key K, value V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Get returns the value for key and refreshes its expiration.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.touchLocked(e)

	return e.value, true
}

// GetOrCreate returns the value for key, building it with create on a miss.
// A newly created entry starts pinned or unpinned according to pinned.
// A failed create caches nothing, so the next caller retries.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error), pinned bool) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		v, err := create()
		if err != nil {
			return nil, err
		}

		return c.insert(key, v, pinned), nil
	})
	if err != nil {
		var zero V
		return zero, err
	}

	return res.(V), nil
}

// insert stores value unless key is already present, and returns the stored value.
func (c *Cache[K, V]) insert(key K, value V, pinned bool) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		return e.value
	}

	e := &entry[K, V]{key: key, value: value, pinned: pinned, lastAccess: c.now()}
	if !pinned {
		e.elem = c.lru.PushFront(e)
	}
	c.entries[key] = e

	return value
}

// Pin protects key from eviction. Returns false if key is not cached.
func (c *Cache[K, V]) Pin(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}

	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.pinned = true

	return true
}

// Unpin makes key evictable after ttl without access. Returns false if key is not cached.
func (c *Cache[K, V]) Unpin(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}

	e.pinned = false
	c.touchLocked(e)

	return true
}

// Pinned reports whether key is cached and pinned.
func (c *Cache[K, V]) Pinned(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.pinned
}

// Remove drops key without calling the eviction callback.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.elem != nil {
			c.lru.Remove(e.elem)
		}
		delete(c.entries, key)
	}
}

// Sweep evicts unpinned entries idle for longer than ttl at now.
// Returns the number of evicted entries.
func (c *Cache[K, V]) Sweep(now time.Time) int {
	c.mu.Lock()

	var evicted []*entry[K, V]

	for back := c.lru.Back(); back != nil; back = c.lru.Back() {
		e := back.Value.(*entry[K, V])
		if now.Sub(e.lastAccess) < c.ttl {
			break
		}

		c.lru.Remove(back)
		delete(c.entries, e.key)
		evicted = append(evicted, e)
	}

	onEvict := c.onEvict
	c.mu.Unlock()

	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, e.value)
		}
	}

	return len(evicted)
}

// Keys returns every cached key in no particular order.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}

	return keys
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// touchLocked refreshes the sliding expiration of an unpinned entry.
func (c *Cache[K, V]) touchLocked(e *entry[K, V]) {
	e.lastAccess = c.now()

	if e.pinned {
		return
	}

	if e.elem == nil {
		e.elem = c.lru.PushFront(e)
		return
	}

	c.lru.MoveToFront(e.elem)
}
