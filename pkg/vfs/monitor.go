package vfs

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// DefaultMonitorInterval is the poll interval of a Monitor.
const DefaultMonitorInterval = time.Second

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(mon *Monitor) { mon.interval = d }
}

// WithRecursive makes the monitor watch every descendent of the folders
// added to it.
func WithRecursive(recursive bool) MonitorOption {
	return func(mon *Monitor) { mon.recursive = recursive }
}

// Monitor polls files and publishes file-create, file-delete and
// file-change events to the manager's listener. A change is a new
// modification time. The children of a watched folder are compared on every
// poll; new and vanished children are reported too.
type Monitor struct {
	m         *Manager
	interval  time.Duration
	recursive bool

	mu      sync.Mutex
	watches map[string]*watch
	stop    chan struct{}
	done    chan struct{}
}

type watch struct {
	f        *File
	explicit bool
	exists   bool
	modTime  time.Time
	children map[string]bool
}

// NewMonitor creates a stopped monitor publishing through m.
func NewMonitor(m *Manager, opts ...MonitorOption) *Monitor {
	mon := &Monitor{
		m:        m,
		interval: DefaultMonitorInterval,
		watches:  make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(mon)
	}
	if mon.interval <= 0 {
		mon.interval = DefaultMonitorInterval
	}
	return mon
}

// Add starts watching f. The current state is recorded without events.
func (mon *Monitor) Add(ctx context.Context, f *File) error {
	w, err := mon.snapshot(ctx, f, true)
	if err != nil {
		return err
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.watches[f.name.Key()] = w
	if mon.recursive {
		return mon.addChildrenLocked(ctx, w, nil)
	}
	return nil
}

// Remove stops watching f and the descendents added for it.
func (mon *Monitor) Remove(f *File) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	delete(mon.watches, f.name.Key())
	mon.dropDescendentsLocked(f.name)
}

// Watched returns the URIs of the watched files, sorted.
func (mon *Monitor) Watched() []string {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	uris := make([]string, 0, len(mon.watches))
	for _, w := range mon.watches {
		uris = append(uris, w.f.String())
	}
	sort.Strings(uris)
	return uris
}

// Start polls in the background until Stop.
func (mon *Monitor) Start() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.stop != nil {
		return
	}
	mon.stop = make(chan struct{})
	mon.done = make(chan struct{})
	go mon.run(mon.stop, mon.done)
}

// Stop ends background polling and waits for the poller to exit.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	stop, done := mon.stop, mon.done
	mon.stop, mon.done = nil, nil
	mon.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (mon *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := mon.Check(context.Background()); err != nil {
				mon.m.logger.Warn("monitor check failed", zap.Error(err))
			}
		}
	}
}

// Check polls every watched file once. Events are published after the
// monitor's lock is released.
func (mon *Monitor) Check(ctx context.Context) error {
	mon.mu.Lock()
	keys := make([]string, 0, len(mon.watches))
	for k := range mon.watches {
		keys = append(keys, k)
	}
	// parents sort before their descendents
	sort.Strings(keys)

	var events []Event
	var errs []error
	for _, k := range keys {
		w, ok := mon.watches[k]
		if !ok {
			continue
		}
		if err := mon.checkLocked(ctx, w, &events); err != nil {
			errs = append(errs, err)
		}
	}
	mon.mu.Unlock()

	for _, e := range events {
		mon.m.listener(e)
	}
	return vfserr.Combine(errs...)
}

func (mon *Monitor) checkLocked(ctx context.Context, w *watch, events *[]Event) error {
	st, err := w.f.Stat(ctx)
	if err != nil {
		return err
	}
	exists := st.Type != name.Imaginary
	uri := w.f.String()

	switch {
	case exists && !w.exists:
		*events = append(*events, newEvent(EventFileCreate, uri))
	case !exists && w.exists:
		*events = append(*events, newEvent(EventFileDelete, uri))
		if !w.explicit {
			delete(mon.watches, w.f.name.Key())
			return nil
		}
	case exists && !st.ModTime.Equal(w.modTime):
		*events = append(*events, newEvent(EventFileChange, uri))
	}
	w.exists, w.modTime = exists, st.ModTime

	if st.Type != name.Folder || !w.f.Capabilities().Has(CapListChildren) {
		w.children = nil
		return nil
	}
	names, err := w.f.ChildNames(ctx)
	if err != nil {
		return err
	}
	current := make(map[string]bool, len(names))
	for _, base := range names {
		current[base] = true
	}

	for _, base := range names {
		if w.children[base] {
			continue
		}
		child, err := w.f.Child(ctx, base)
		if err != nil {
			return err
		}
		if _, watched := mon.watches[child.name.Key()]; watched {
			continue
		}
		*events = append(*events, newEvent(EventFileCreate, child.String()))
		if mon.recursive {
			cw, err := mon.snapshot(ctx, child, false)
			if err != nil {
				return err
			}
			mon.watches[child.name.Key()] = cw
			if err := mon.addChildrenLocked(ctx, cw, events); err != nil {
				return err
			}
		}
	}
	for base := range w.children {
		if current[base] {
			continue
		}
		// a watched child reports its own deletion
		n := w.f.name.Child(base, name.Imaginary)
		if _, watched := mon.watches[n.Key()]; !watched {
			*events = append(*events, newEvent(EventFileDelete, n.FriendlyURI()))
		}
	}
	w.children = current
	return nil
}

// snapshot records the state of f.
func (mon *Monitor) snapshot(ctx context.Context, f *File, explicit bool) (*watch, error) {
	st, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	w := &watch{f: f, explicit: explicit, exists: st.Type != name.Imaginary, modTime: st.ModTime}
	if st.Type == name.Folder && f.Capabilities().Has(CapListChildren) {
		names, err := f.ChildNames(ctx)
		if err != nil {
			return nil, err
		}
		w.children = make(map[string]bool, len(names))
		for _, base := range names {
			w.children[base] = true
		}
	}
	return w, nil
}

// addChildrenLocked watches the descendents of w. When events is not nil a
// create event is recorded for each.
func (mon *Monitor) addChildrenLocked(ctx context.Context, w *watch, events *[]Event) error {
	bases := make([]string, 0, len(w.children))
	for base := range w.children {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		child, err := w.f.Child(ctx, base)
		if err != nil {
			return err
		}
		key := child.name.Key()
		if _, ok := mon.watches[key]; ok {
			continue
		}
		cw, err := mon.snapshot(ctx, child, false)
		if err != nil {
			return err
		}
		mon.watches[key] = cw
		if events != nil {
			*events = append(*events, newEvent(EventFileCreate, child.String()))
		}
		if err := mon.addChildrenLocked(ctx, cw, events); err != nil {
			return err
		}
	}
	return nil
}

func (mon *Monitor) dropDescendentsLocked(n *name.Name) {
	for key, w := range mon.watches {
		if !w.explicit && n.IsDescendent(w.f.name, name.ScopeDescendent) {
			delete(mon.watches, key)
		}
	}
}
