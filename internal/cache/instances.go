package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Provider builds the cached payload for a key, typically by reading the
// DICOM attachment from the content store and parsing it.
type Provider func(key string) (interface{}, error)

// Destructor releases a payload when it is evicted or invalidated.
type Destructor func(key string, payload interface{})

type entry struct {
	mu      sync.Mutex // exclusivity of the guard
	payload interface{}
}

// InstanceCache is the bounded cache of parsed DICOM instances. At most
// one provider runs per key at a time; concurrent readers of the same key
// serialize on the entry. Eviction removes the least recently used entry
// that is not currently guarded.
type InstanceCache struct {
	mu         sync.Mutex
	capacity   int
	provider   Provider
	destructor Destructor
	index      *LRUIndex[string, *entry]
	building   singleflight.Group
}

// NewInstanceCache builds a cache bounded to capacity entries. The
// destructor may be nil.
func NewInstanceCache(capacity int, provider Provider, destructor Destructor) *InstanceCache {
	if capacity < 1 {
		capacity = 1
	}
	return &InstanceCache{
		capacity:   capacity,
		provider:   provider,
		destructor: destructor,
		index:      NewLRUIndex[string, *entry](),
	}
}

// Guard grants exclusive use of a cached payload for the duration of a
// scope. Release returns the entry to the cache without destroying it.
type Guard struct {
	key   string
	entry *entry
	once  sync.Once
}

// Value returns the guarded payload.
func (g *Guard) Value() interface{} {
	return g.entry.payload
}

// Release ends the exclusive scope.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.entry.mu.Unlock()
	})
}

// Access returns a guard over the entry of key, building it through the
// provider on a miss. The guard must be released by the caller.
func (c *InstanceCache) Access(key string) (*Guard, error) {
	for {
		c.mu.Lock()
		if e, ok := c.index.Contains(key); ok {
			_ = c.index.MakeMostRecent(key)
			c.mu.Unlock()
			e.mu.Lock()

			// The entry may have been invalidated while we were waiting
			// for the guard; retry in that case.
			c.mu.Lock()
			if current, ok := c.index.Contains(key); !ok || current != e {
				c.mu.Unlock()
				e.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			return &Guard{key: key, entry: e}, nil
		}
		c.mu.Unlock()

		// Single builder per key; losers of the race share the result.
		_, err, _ := c.building.Do(key, func() (interface{}, error) {
			c.mu.Lock()
			_, exists := c.index.Contains(key)
			c.mu.Unlock()
			if exists {
				return nil, nil
			}

			payload, err := c.provider(key)
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			c.evictForSpaceLocked()
			c.index.AddOrMakeMostRecent(key, &entry{payload: payload})
			c.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// evictForSpaceLocked removes least recently used entries until one slot
// is free, skipping entries whose guard is currently held.
func (c *InstanceCache) evictForSpaceLocked() {
	if c.index.Len() < c.capacity {
		return
	}

	for _, key := range c.index.Keys() {
		e, ok := c.index.Contains(key)
		if !ok {
			continue
		}
		if !e.mu.TryLock() {
			continue // currently guarded, try the next oldest
		}
		c.index.Invalidate(key)
		e.mu.Unlock()
		c.destroy(key, e)
		if c.index.Len() < c.capacity {
			return
		}
	}
}

func (c *InstanceCache) destroy(key string, e *entry) {
	if c.destructor != nil {
		c.destructor(key, e.payload)
	}
}

// Invalidate drops the entry of key, destroying its payload. Used when
// the underlying resource is deleted; eviction never touches the index or
// the content store.
func (c *InstanceCache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.index.Invalidate(key)
	c.mu.Unlock()
	if ok {
		c.destroy(key, e)
	}
}

// Close destroys every entry, oldest first.
func (c *InstanceCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.index.IsEmpty() {
		key, e, err := c.index.RemoveOldest()
		if err != nil {
			return
		}
		c.destroy(key, e)
	}
}

// Len returns the number of cached entries.
func (c *InstanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}
