// Package vfs resolves URIs to file handles across pluggable backends. A
// Manager owns the scheme registry, the open file systems and the cache of
// resolved files.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/cache"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/replica"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// ErrClosed is returned by a closed manager.
var ErrClosed = errors.New("vfs: manager closed")

// errFileSystemClosed reports a file system shut down while resolving.
var errFileSystemClosed = errors.New("vfs: file system closed")

// Cache policies accepted by NewCache.
const (
	PolicyStrong      = "strong"
	PolicyReclaimable = "soft"
	PolicyLRU         = "lru"
)

// NewCache creates a files cache for the named policy.
func NewCache(policy string, opts ...cache.Option) (cache.FilesCache[*File], error) {
	switch policy {
	case PolicyStrong, "":
		return cache.NewStrong[*File](opts...), nil
	case PolicyReclaimable:
		return cache.NewReclaimable[File](opts...), nil
	case PolicyLRU:
		return cache.NewLRU[*File](opts...), nil
	default:
		return nil, fmt.Errorf("unknown cache policy %q", policy)
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the files cache. The default is a strong cache.
func WithCache(c cache.FilesCache[*File]) Option {
	return func(m *Manager) { m.cache = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver reports file system and backend activity to obs.
func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// WithListener publishes file system events to l.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listener = l }
}

// WithLocalStyle sets how scheme-less local file names are parsed.
func WithLocalStyle(style name.LocalStyle) Option {
	return func(m *Manager) { m.style = style }
}

// WithReplica sets the store used to copy non-local files to disk.
func WithReplica(r *replica.Store) Option {
	return func(m *Manager) { m.replica = r }
}

// Manager resolves names to files. It is safe for concurrent use.
type Manager struct {
	logger   *zap.Logger
	observer Observer
	listener Listener
	cache    cache.FilesCache[*File]
	replica  *replica.Store
	style    name.LocalStyle
	registry *name.Registry

	opening flight[*fileSystem]

	mu          sync.Mutex
	providers   map[string]Provider
	fileSystems map[string]*fileSystem
	closed      bool
}

// NewManager creates a manager with no providers.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:      zap.NewNop(),
		observer:    nopObserver{},
		listener:    func(Event) {},
		providers:   make(map[string]Provider),
		fileSystems: make(map[string]*fileSystem),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = cache.NewStrong[*File]()
	}
	m.registry = name.NewRegistry(name.LocalParser{Scheme: "file", Style: m.style})
	return m
}

// AddProvider registers p for scheme, replacing any previous provider.
func (m *Manager) AddProvider(scheme string, p Provider) {
	m.registry.Register(scheme, p.Parser(m.registry))

	m.mu.Lock()
	m.providers[scheme] = p
	m.mu.Unlock()
	m.logger.Debug("provider added", zap.String("scheme", scheme))
}

// Schemes returns the registered schemes, sorted.
func (m *Manager) Schemes() []string {
	return m.registry.Schemes()
}

// Registry returns the manager's parser registry.
func (m *Manager) Registry() *name.Registry { return m.registry }

// Replica returns the replica store, or nil.
func (m *Manager) Replica() *replica.Store { return m.replica }

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger { return m.logger }

// Publish sends an event to the manager's listener. Backends use it for
// events the manager cannot see, such as junction changes.
func (m *Manager) Publish(t EventType, uri, target string) {
	e := newEvent(t, uri)
	e.Target = target
	m.listener(e)
}

// ParseURI parses an absolute URI without resolving it.
func (m *Manager) ParseURI(uri string) (*name.Name, error) {
	return m.registry.ParseURI(uri)
}

// Resolve parses uri and returns its file.
func (m *Manager) Resolve(ctx context.Context, uri string) (*File, error) {
	n, err := m.registry.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return m.ResolveName(ctx, n)
}

// ResolveName returns the file for n, opening its file system when needed.
// Concurrent calls for the same name materialize it once.
func (m *Manager) ResolveName(ctx context.Context, n *name.Name) (*File, error) {
	for {
		fs, err := m.fileSystem(ctx, n.RootName())
		if err != nil {
			return nil, err
		}
		f, err := fs.resolve(ctx, n)
		if errors.Is(err, errFileSystemClosed) {
			// the cache shut it down under us; open a fresh one
			continue
		}
		return f, err
	}
}

func (m *Manager) fileSystem(ctx context.Context, root *name.Name) (*fileSystem, error) {
	key := root.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if fs, ok := m.fileSystems[key]; ok {
		m.mu.Unlock()
		return fs, nil
	}
	m.mu.Unlock()

	return m.opening.do(key, func() (*fileSystem, error) {
		m.mu.Lock()
		fs, ok := m.fileSystems[key]
		p, known := m.providers[root.Scheme()]
		m.mu.Unlock()
		if ok {
			return fs, nil
		}
		if !known {
			return nil, vfserr.Newf(vfserr.CodeUnknownScheme, "%s (%s)", root.Scheme(), root.FriendlyURI())
		}
		return m.openFileSystem(ctx, root, p)
	})
}

func (m *Manager) openFileSystem(ctx context.Context, root *name.Name, p Provider) (*fileSystem, error) {
	var outer *File
	if o := root.Outer(); o != nil {
		var err error
		if outer, err = m.ResolveName(ctx, o); err != nil {
			return nil, err
		}
	}

	backend, err := p.NewBackend(ctx, root, outer)
	if err != nil {
		return nil, err
	}
	fs := &fileSystem{m: m, root: root, backend: backend, outer: outer, caps: backend.Capabilities()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		backend.Close()
		return nil, ErrClosed
	}
	m.fileSystems[root.Key()] = fs
	m.mu.Unlock()

	m.logger.Info("file system opened",
		zap.String("root", root.FriendlyURI()),
		zap.Stringer("capabilities", fs.caps))
	m.observer.FileSystemOpened(root.Scheme())
	m.listener(newEvent(EventFileSystemOpen, root.FriendlyURI()))
	return fs, nil
}

// detach removes fs from the open file systems. It reports false when fs
// was already detached.
func (m *Manager) detach(fs *fileSystem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fs.root.Key()
	if cur, ok := m.fileSystems[key]; ok && cur == fs {
		delete(m.fileSystems, key)
		return true
	}
	return false
}

// cachedFiles returns the number of cache entries of fs, or 0 when the
// cache does not count them.
func (m *Manager) cachedFiles(fs *fileSystem) int {
	if c, ok := m.cache.(interface{ Len(cache.Store) int }); ok {
		return c.Len(fs)
	}
	return 0
}

// FileSystems returns the roots of the open file systems, sorted.
func (m *Manager) FileSystems() []*name.Name {
	m.mu.Lock()
	roots := make([]*name.Name, 0, len(m.fileSystems))
	for _, fs := range m.fileSystems {
		roots = append(roots, fs.root)
	}
	m.mu.Unlock()

	sort.Slice(roots, func(i, j int) bool { return roots[i].Key() < roots[j].Key() })
	return roots
}

// CloseFileSystem closes the file system rooted at root and drops its files
// from the cache. Handles already returned stay usable only for their name.
func (m *Manager) CloseFileSystem(root *name.Name) error {
	m.mu.Lock()
	fs, ok := m.fileSystems[root.RootName().Key()]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.detach(fs)
	fs.markClosed()
	m.cache.Clear(fs)
	return fs.closeBackend()
}

// Close closes every file system and the cache. The manager cannot be used
// afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*fileSystem, 0, len(m.fileSystems))
	for _, fs := range m.fileSystems {
		open = append(open, fs)
	}
	clear(m.fileSystems)
	m.mu.Unlock()

	m.cache.Close()

	// layered file systems first, so their outer files are still open
	sort.Slice(open, func(i, j int) bool { return depth(open[i].root) > depth(open[j].root) })
	var errs []error
	for _, fs := range open {
		errs = append(errs, fs.close())
	}
	return vfserr.Combine(errs...)
}

func depth(root *name.Name) int {
	d := 0
	for o := root.Outer(); o != nil; o = o.Outer() {
		d++
	}
	return d
}
