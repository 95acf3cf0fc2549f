package cache

import (
	"sync"

	"github.com/fruitsalade/vfs/pkg/name"
)

// Strong keeps every handle until it is removed or the cache is closed.
// Stores are never shut down by this policy.
type Strong[H Handle] struct {
	mu     sync.Mutex
	stores map[Store]map[string]H
	opts   options
}

// NewStrong creates a strong cache.
func NewStrong[H Handle](opts ...Option) *Strong[H] {
	return &Strong[H]{
		stores: make(map[Store]map[string]H),
		opts:   buildOptions(opts),
	}
}

const policyStrong = "strong"

func (c *Strong[H]) Get(store Store, n *name.Name) (H, bool) {
	c.mu.Lock()
	h, ok := c.stores[store][n.Key()]
	c.mu.Unlock()

	if ok {
		c.opts.observer.CacheEvent(policyStrong, EventHit)
	} else {
		c.opts.observer.CacheEvent(policyStrong, EventMiss)
	}
	return h, ok
}

func (c *Strong[H]) Put(h H) {
	store, key := keyOf(h)

	c.mu.Lock()
	c.entries(store)[key] = h
	c.mu.Unlock()

	c.opts.observer.CacheEvent(policyStrong, EventPut)
}

func (c *Strong[H]) PutIfAbsent(h H) bool {
	store, key := keyOf(h)

	c.mu.Lock()
	files := c.entries(store)
	if _, ok := files[key]; ok {
		c.mu.Unlock()
		return false
	}
	files[key] = h
	c.mu.Unlock()

	c.opts.observer.CacheEvent(policyStrong, EventPut)
	return true
}

func (c *Strong[H]) entries(store Store) map[string]H {
	files, ok := c.stores[store]
	if !ok {
		files = make(map[string]H)
		c.stores[store] = files
	}
	return files
}

func (c *Strong[H]) Remove(store Store, n *name.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, ok := c.stores[store]
	if !ok {
		return
	}
	if _, ok := files[n.Key()]; ok {
		delete(files, n.Key())
		c.opts.observer.CacheEvent(policyStrong, EventRemove)
	}
	if len(files) == 0 {
		delete(c.stores, store)
	}
}

func (c *Strong[H]) Clear(store Store) {
	c.mu.Lock()
	delete(c.stores, store)
	c.mu.Unlock()
}

// Touch is a no-op for this policy.
func (c *Strong[H]) Touch(H) {}

func (c *Strong[H]) Close() {
	c.mu.Lock()
	clear(c.stores)
	c.mu.Unlock()
}

// Len returns the number of entries cached for store.
func (c *Strong[H]) Len(store Store) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stores[store])
}
