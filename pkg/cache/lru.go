package cache

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
)

const policyLRU = "lru"

type lruEntry[H Handle] struct {
	key    string
	handle H
}

// lruList is one store's entries ordered by last access, most recent first.
type lruList[H Handle] struct {
	list  *list.List
	table map[string]*list.Element
}

func newLRUList[H Handle]() *lruList[H] {
	return &lruList[H]{
		list:  list.New(),
		table: make(map[string]*list.Element),
	}
}

// LRU keeps at most a fixed number of handles per store, dropping the least
// recently used. Handles implementing InUse are skipped while in use, so a
// store can temporarily exceed its capacity.
type LRU[H Handle] struct {
	mu     sync.Mutex
	stores map[Store]*lruList[H]
	opts   options
}

// NewLRU creates an LRU cache. The capacity is set with WithLRUSize.
func NewLRU[H Handle](opts ...Option) *LRU[H] {
	return &LRU[H]{
		stores: make(map[Store]*lruList[H]),
		opts:   buildOptions(opts),
	}
}

func (c *LRU[H]) Get(store Store, n *name.Name) (H, bool) {
	c.mu.Lock()
	h, ok := c.getLocked(store, n.Key())
	c.mu.Unlock()

	if ok {
		c.opts.observer.CacheEvent(policyLRU, EventHit)
	} else {
		c.opts.observer.CacheEvent(policyLRU, EventMiss)
	}
	return h, ok
}

func (c *LRU[H]) getLocked(store Store, key string) (H, bool) {
	var zero H
	l, ok := c.stores[store]
	if !ok {
		return zero, false
	}
	el, ok := l.table[key]
	if !ok {
		return zero, false
	}
	l.list.MoveToFront(el)
	return el.Value.(*lruEntry[H]).handle, true
}

func (c *LRU[H]) Put(h H) {
	c.put(h, false)
}

func (c *LRU[H]) PutIfAbsent(h H) bool {
	return c.put(h, true)
}

func (c *LRU[H]) put(h H, ifAbsent bool) bool {
	store, key := keyOf(h)

	c.mu.Lock()
	l, ok := c.stores[store]
	if !ok {
		l = newLRUList[H]()
		c.stores[store] = l
	}
	if el, ok := l.table[key]; ok {
		if ifAbsent {
			c.mu.Unlock()
			return false
		}
		el.Value.(*lruEntry[H]).handle = h
		l.list.MoveToFront(el)
	} else {
		l.table[key] = l.list.PushFront(&lruEntry[H]{key: key, handle: h})
	}
	evicted := c.evictLocked(l)
	c.mu.Unlock()

	c.opts.observer.CacheEvent(policyLRU, EventPut)
	for range evicted {
		c.opts.observer.CacheEvent(policyLRU, EventEvict)
	}
	return true
}

// evictLocked trims l to capacity, oldest first, skipping handles in use.
// The front entry, the one just stored, is never evicted.
func (c *LRU[H]) evictLocked(l *lruList[H]) int {
	evicted := 0
	front := l.list.Front()
	el := l.list.Back()
	for l.list.Len() > c.opts.lruSize && el != nil && el != front {
		prev := el.Prev()
		ent := el.Value.(*lruEntry[H])
		if u, ok := any(ent.handle).(InUse); ok && u.InUse() {
			el = prev
			continue
		}
		l.list.Remove(el)
		delete(l.table, ent.key)
		c.opts.logger.Debug("evicted", zap.String("name", ent.handle.Name().FriendlyURI()))
		evicted++
		el = prev
	}
	return evicted
}

func (c *LRU[H]) Remove(store Store, n *name.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.stores[store]
	if !ok {
		return
	}
	if el, ok := l.table[n.Key()]; ok {
		l.list.Remove(el)
		delete(l.table, n.Key())
		c.opts.observer.CacheEvent(policyLRU, EventRemove)
	}
	if l.list.Len() == 0 {
		delete(c.stores, store)
	}
}

func (c *LRU[H]) Clear(store Store) {
	c.mu.Lock()
	delete(c.stores, store)
	c.mu.Unlock()
}

// Touch moves h to the front of its store's list.
func (c *LRU[H]) Touch(h H) {
	store, key := keyOf(h)
	c.mu.Lock()
	c.getLocked(store, key)
	c.mu.Unlock()
}

func (c *LRU[H]) Close() {
	c.mu.Lock()
	clear(c.stores)
	c.mu.Unlock()
}

// Keys returns the keys cached for store, most recently used first.
func (c *LRU[H]) Keys(store Store) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.stores[store]
	if !ok {
		return nil
	}
	keys := make([]string, 0, l.list.Len())
	for e := l.list.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruEntry[H]).key)
	}
	return keys
}
