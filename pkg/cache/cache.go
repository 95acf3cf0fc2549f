// Package cache stores resolved file handles per backing store. Three
// policies share one interface: Strong keeps handles until removed,
// Reclaimable lets the garbage collector drop unreferenced handles and shuts
// a store down once its last handle is gone, and LRU bounds each store.
package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
)

// Store is the backing store a handle belongs to. Stores are used as map
// keys and must be comparable.
type Store interface {
	// Shutdown releases the store. The reclaimable policy calls it at most
	// once, after the store's last entry is removed.
	Shutdown()
}

// Handle is a cached file handle.
type Handle interface {
	Store() Store
	Name() *name.Name
}

// InUse is implemented by handles that must not be evicted while open.
type InUse interface {
	InUse() bool
}

// FilesCache is the policy independent cache API. The cache provides
// storage only: callers coordinate per-key materialization themselves.
type FilesCache[H Handle] interface {
	// Get returns the live handle cached for n on store.
	Get(store Store, n *name.Name) (H, bool)
	// Put stores h, replacing any previous handle for the same key.
	Put(h H)
	// PutIfAbsent stores h unless a live handle is cached for its key.
	PutIfAbsent(h H) bool
	Remove(store Store, n *name.Name)
	// Clear drops every entry of store.
	Clear(store Store)
	// Touch marks h as recently used.
	Touch(h H)
	// Close drops every entry without shutting the stores down.
	Close()
}

// Event is a cache occurrence reported to an Observer.
type Event string

const (
	EventHit      Event = "hit"
	EventMiss     Event = "miss"
	EventPut      Event = "put"
	EventRemove   Event = "remove"
	EventEvict    Event = "evict"
	EventReclaim  Event = "reclaim"
	EventShutdown Event = "shutdown"
)

// Observer receives cache events, typically to feed metrics.
type Observer interface {
	CacheEvent(policy string, ev Event)
}

type nopObserver struct{}

func (nopObserver) CacheEvent(string, Event) {}

type multiObserver []Observer

func (m multiObserver) CacheEvent(policy string, ev Event) {
	for _, o := range m {
		o.CacheEvent(policy, ev)
	}
}

// MultiObserver reports every event to each of obs.
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

// DefaultPollInterval bounds how long the reclaim monitor sleeps between
// sweeps for dead references.
const DefaultPollInterval = time.Second

// DefaultLRUSize is the per-store capacity of the LRU policy.
const DefaultLRUSize = 100

type options struct {
	logger       *zap.Logger
	observer     Observer
	pollInterval time.Duration
	lruSize      int
}

// Option configures a cache.
type Option func(*options)

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver reports cache events to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithPollInterval sets the reclaim monitor's poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLRUSize sets the per-store capacity of the LRU policy.
func WithLRUSize(n int) Option {
	return func(o *options) { o.lruSize = n }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		observer:     nopObserver{},
		pollInterval: DefaultPollInterval,
		lruSize:      DefaultLRUSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.lruSize <= 0 {
		o.lruSize = DefaultLRUSize
	}
	return o
}

func keyOf(h Handle) (Store, string) {
	n := h.Name()
	if n == nil {
		panic("cache: handle has no name")
	}
	return h.Store(), n.Key()
}

// shutdownAll runs Shutdown on each store. It is called without the cache
// lock held.
func shutdownAll(stores []Store, policy string, o *options) {
	for _, s := range stores {
		o.logger.Debug("store shutdown", zap.String("policy", policy))
		s.Shutdown()
		o.observer.CacheEvent(policy, EventShutdown)
	}
}
