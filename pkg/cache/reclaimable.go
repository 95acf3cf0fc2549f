package cache

import (
	"runtime"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
)

const policyReclaimable = "soft"

type ref[T any] struct {
	ptr     weak.Pointer[T]
	cleanup runtime.Cleanup
	id      uint64
}

// reclaimNote is queued by the runtime cleanup of a collected handle.
type reclaimNote struct {
	store Store
	key   string
	id    uint64
}

// Reclaimable holds weak references to handles. When the garbage collector
// reclaims a handle its entry is dropped by a monitor goroutine, and a store
// whose last entry goes away is shut down exactly once.
//
// The monitor runs only while the cache holds entries. It wakes on reclaim
// notifications and on a poll tick, at which it also sweeps references that
// died before their notification arrived.
//
// Stores must not hold strong references to their handles, or the handles
// are never reclaimed.
type Reclaimable[T any, H interface {
	*T
	Handle
}] struct {
	mu     sync.Mutex
	stores map[Store]map[string]*ref[T]
	queue  []reclaimNote
	nextID uint64

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	opts options
}

// NewReclaimable creates a reclaimable cache for handles of type *T.
func NewReclaimable[T any, H interface {
	*T
	Handle
}](opts ...Option) *Reclaimable[T, H] {
	return &Reclaimable[T, H]{
		stores: make(map[Store]map[string]*ref[T]),
		signal: make(chan struct{}, 1),
		opts:   buildOptions(opts),
	}
}

func (c *Reclaimable[T, H]) Get(store Store, n *name.Name) (H, bool) {
	key := n.Key()

	c.mu.Lock()
	r, ok := c.stores[store][key]
	if !ok {
		c.mu.Unlock()
		c.opts.observer.CacheEvent(policyReclaimable, EventMiss)
		return nil, false
	}
	if p := r.ptr.Value(); p != nil {
		c.mu.Unlock()
		c.opts.observer.CacheEvent(policyReclaimable, EventHit)
		return H(p), true
	}

	// collected, notification still pending
	var shutdown []Store
	if c.removeLocked(store, key, r.id) {
		shutdown = append(shutdown, store)
	}
	c.stopIfEmptyLocked()
	c.mu.Unlock()

	c.opts.observer.CacheEvent(policyReclaimable, EventReclaim)
	c.opts.observer.CacheEvent(policyReclaimable, EventMiss)
	shutdownAll(shutdown, policyReclaimable, &c.opts)
	return nil, false
}

func (c *Reclaimable[T, H]) Put(h H) {
	c.put(h, false)
}

func (c *Reclaimable[T, H]) PutIfAbsent(h H) bool {
	return c.put(h, true)
}

func (c *Reclaimable[T, H]) put(h H, ifAbsent bool) bool {
	store, key := keyOf(h)
	p := (*T)(h)

	c.mu.Lock()
	files, ok := c.stores[store]
	if !ok {
		files = make(map[string]*ref[T])
		c.stores[store] = files
	}
	if old, ok := files[key]; ok {
		if ifAbsent && old.ptr.Value() != nil {
			c.mu.Unlock()
			return false
		}
		old.cleanup.Stop()
	}

	c.nextID++
	r := &ref[T]{ptr: weak.Make(p), id: c.nextID}
	r.cleanup = runtime.AddCleanup(p, c.enqueue, reclaimNote{store: store, key: key, id: r.id})
	files[key] = r
	c.startLocked()
	c.mu.Unlock()

	c.opts.observer.CacheEvent(policyReclaimable, EventPut)
	return true
}

func (c *Reclaimable[T, H]) Remove(store Store, n *name.Name) {
	c.mu.Lock()
	var shutdown []Store
	if _, ok := c.stores[store][n.Key()]; ok {
		c.opts.observer.CacheEvent(policyReclaimable, EventRemove)
	}
	if c.removeLocked(store, n.Key(), 0) {
		shutdown = append(shutdown, store)
	}
	c.stopIfEmptyLocked()
	c.mu.Unlock()

	shutdownAll(shutdown, policyReclaimable, &c.opts)
}

// Clear drops every entry of store and shuts it down.
func (c *Reclaimable[T, H]) Clear(store Store) {
	c.mu.Lock()
	files, ok := c.stores[store]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, r := range files {
		r.cleanup.Stop()
	}
	delete(c.stores, store)
	c.stopIfEmptyLocked()
	c.mu.Unlock()

	shutdownAll([]Store{store}, policyReclaimable, &c.opts)
}

// Touch is a no-op for this policy.
func (c *Reclaimable[T, H]) Touch(H) {}

// Close drops every entry without shutting stores down and waits for the
// monitor to exit. It is safe to call more than once; the cache may be used
// again afterwards.
func (c *Reclaimable[T, H]) Close() {
	c.mu.Lock()
	for _, files := range c.stores {
		for _, r := range files {
			r.cleanup.Stop()
		}
	}
	clear(c.stores)
	c.queue = nil
	done := c.stopLocked()
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Len returns the number of entries held for store, dead or alive.
func (c *Reclaimable[T, H]) Len(store Store) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stores[store])
}

// Running reports whether the monitor goroutine is active.
func (c *Reclaimable[T, H]) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// enqueue runs on the runtime's cleanup goroutine.
func (c *Reclaimable[T, H]) enqueue(note reclaimNote) {
	c.mu.Lock()
	c.queue = append(c.queue, note)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// removeLocked deletes the entry for key, if its id matches (0 matches any),
// and reports whether that emptied and dropped the store.
func (c *Reclaimable[T, H]) removeLocked(store Store, key string, id uint64) bool {
	files, ok := c.stores[store]
	if !ok {
		return false
	}
	r, ok := files[key]
	if !ok || (id != 0 && r.id != id) {
		return false
	}
	r.cleanup.Stop()
	delete(files, key)
	if len(files) > 0 {
		return false
	}
	delete(c.stores, store)
	return true
}

func (c *Reclaimable[T, H]) startLocked() {
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.opts.logger.Debug("reclaim monitor started")
	go c.monitor(c.stop, c.done)
}

// stopLocked signals the monitor to exit and returns its done channel, or
// nil when no monitor runs.
func (c *Reclaimable[T, H]) stopLocked() chan struct{} {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	done := c.done
	c.stop, c.done = nil, nil
	return done
}

func (c *Reclaimable[T, H]) stopIfEmptyLocked() {
	if len(c.stores) == 0 {
		c.stopLocked()
	}
}

func (c *Reclaimable[T, H]) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer c.opts.logger.Debug("reclaim monitor stopped")

	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()

	for {
		sweep := false
		select {
		case <-stop:
			return
		case <-c.signal:
		case <-ticker.C:
			sweep = true
		}
		if !c.reclaim(stop, sweep) {
			return
		}
	}
}

// reclaim applies queued notifications and, when sweep is set, drops dead
// references whose notification has not arrived. It reports whether the
// monitor should keep running.
func (c *Reclaimable[T, H]) reclaim(stop <-chan struct{}, sweep bool) bool {
	c.mu.Lock()
	select {
	case <-stop:
		c.mu.Unlock()
		return false
	default:
	}

	var shutdown []Store
	reclaimed := 0
	for _, note := range c.queue {
		if r, ok := c.stores[note.store][note.key]; ok && r.id == note.id {
			reclaimed++
		}
		if c.removeLocked(note.store, note.key, note.id) {
			shutdown = append(shutdown, note.store)
		}
	}
	c.queue = c.queue[:0]

	if sweep {
		for store, files := range c.stores {
			for key, r := range files {
				if r.ptr.Value() != nil {
					continue
				}
				reclaimed++
				if c.removeLocked(store, key, r.id) {
					shutdown = append(shutdown, store)
				}
			}
		}
	}

	keepRunning := len(c.stores) > 0
	if !keepRunning {
		// no close(stop): this goroutine is the only reader
		c.stop, c.done = nil, nil
	}
	c.mu.Unlock()

	if reclaimed > 0 {
		c.opts.logger.Debug("reclaimed handles", zap.Int("count", reclaimed))
		for range reclaimed {
			c.opts.observer.CacheEvent(policyReclaimable, EventReclaim)
		}
	}
	shutdownAll(shutdown, policyReclaimable, &c.opts)
	return keepRunning
}
