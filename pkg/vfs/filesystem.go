package vfs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
)

// fileSystem is one open backend. It is the cache.Store of its files.
//
// Lock order: fs.mu, then the cache, then the manager.
type fileSystem struct {
	m       *Manager
	root    *name.Name
	backend Backend
	caps    Capabilities
	// outer keeps the file a layered file system is built on reachable.
	outer *File

	materializing flight[*File]

	// mu guards closed and orders cache puts against shutdown.
	mu     sync.Mutex
	closed bool

	release sync.Once
	err     error
}

// Shutdown implements cache.Store. The reclaimable cache calls it once the
// last file of the file system has been collected. A file resolved after
// the cache let go of the last one keeps the file system open.
func (fs *fileSystem) Shutdown() {
	fs.mu.Lock()
	if fs.closed || fs.m.cachedFiles(fs) > 0 {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.m.detach(fs)
	fs.mu.Unlock()

	if err := fs.closeBackend(); err != nil {
		fs.m.logger.Warn("file system shutdown failed",
			zap.String("root", fs.root.FriendlyURI()), zap.Error(err))
	}
}

// markClosed stops fs from handing out files.
func (fs *fileSystem) markClosed() {
	fs.mu.Lock()
	fs.closed = true
	fs.mu.Unlock()
}

func (fs *fileSystem) close() error {
	fs.markClosed()
	return fs.closeBackend()
}

// closeBackend closes the backend once; later calls wait for and return the
// first result.
func (fs *fileSystem) closeBackend() error {
	fs.release.Do(func() {
		start := time.Now()
		fs.err = fs.backend.Close()
		fs.m.observer.BackendOp(fs.root.Scheme(), "close", time.Since(start), fs.err)

		fs.m.logger.Info("file system closed", zap.String("root", fs.root.FriendlyURI()))
		fs.m.observer.FileSystemClosed(fs.root.Scheme())
		fs.m.listener(newEvent(EventFileSystemClose, fs.root.FriendlyURI()))
	})
	return fs.err
}

func (fs *fileSystem) isClosed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

func (fs *fileSystem) resolve(ctx context.Context, n *name.Name) (*File, error) {
	if f, ok := fs.cached(n); ok {
		return f, nil
	}
	if fs.isClosed() {
		return nil, errFileSystemClosed
	}
	return fs.materializing.do(n.Key(), func() (*File, error) {
		if f, ok := fs.cached(n); ok {
			return f, nil
		}
		if fs.isClosed() {
			return nil, errFileSystemClosed
		}

		start := time.Now()
		obj, err := fs.backend.Materialize(ctx, n)
		fs.m.observer.BackendOp(fs.root.Scheme(), "materialize", time.Since(start), err)
		if err != nil {
			return nil, err
		}

		f := &File{name: n, fs: fs, obj: obj}
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.closed {
			return nil, errFileSystemClosed
		}
		fs.m.cache.Put(f)
		return f, nil
	})
}

// cached returns the cached file for n while fs is open.
func (fs *fileSystem) cached(n *name.Name) (*File, bool) {
	f, ok := fs.m.cache.Get(fs, n)
	if !ok || fs.isClosed() {
		return nil, false
	}
	return f, true
}

// op times a backend call and reports it to the observer.
func (fs *fileSystem) op(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	fs.m.observer.BackendOp(fs.root.Scheme(), name, time.Since(start), err)
	return err
}
