// Package ram provides an in-memory file system for the "ram" scheme.
// Every ram:/// name shares one tree per manager.
package ram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// Scheme is the URI scheme served by this package.
const Scheme = "ram"

// ErrNotEmpty is returned when deleting a folder that has children.
var ErrNotEmpty = errors.New("folder not empty")

var capabilities = vfs.NewCapabilities(
	vfs.CapReadContent,
	vfs.CapWriteContent,
	vfs.CapAppendContent,
	vfs.CapRandomAccessRead,
	vfs.CapListChildren,
	vfs.CapRename,
	vfs.CapDelete,
	vfs.CapCreate,
	vfs.CapGetLastModified,
	vfs.CapSetLastModifiedFile,
	vfs.CapGetType,
)

// Provider creates in-memory backends.
type Provider struct{}

func (Provider) Parser(name.URIParser) name.Parser {
	return name.LocalParser{Scheme: Scheme}
}

func (Provider) NewBackend(_ context.Context, root *name.Name, _ *vfs.File) (vfs.Backend, error) {
	return New(root), nil
}

type node struct {
	dir      bool
	data     []byte
	modTime  time.Time
	children map[string]struct{}
}

// Backend is an in-memory tree keyed by absolute path.
type Backend struct {
	root *name.Name

	mu    sync.RWMutex
	nodes map[string]*node
}

// New creates an empty tree rooted at root.
func New(root *name.Name) *Backend {
	return &Backend{
		root: root,
		nodes: map[string]*node{
			"/": newFolder(),
		},
	}
}

func newFolder() *node {
	return &node{dir: true, modTime: time.Now(), children: map[string]struct{}{}}
}

func (b *Backend) Root() *name.Name               { return b.root }
func (b *Backend) Capabilities() vfs.Capabilities { return capabilities }

func (b *Backend) Materialize(_ context.Context, n *name.Name) (vfs.Object, error) {
	return &object{b: b, path: n.Path()}, nil
}

// Close drops the tree.
func (b *Backend) Close() error {
	b.mu.Lock()
	clear(b.nodes)
	b.mu.Unlock()
	return nil
}

// mkdirsLocked creates p and its missing ancestors as folders.
func (b *Backend) mkdirsLocked(p string) error {
	if n, ok := b.nodes[p]; ok {
		if !n.dir {
			return fmt.Errorf("mkdir %s: %w", p, fs.ErrExist)
		}
		return nil
	}
	if p == "/" {
		b.nodes[p] = newFolder()
		return nil
	}
	parent := path.Dir(p)
	if err := b.mkdirsLocked(parent); err != nil {
		return err
	}
	b.nodes[p] = newFolder()
	b.nodes[parent].children[path.Base(p)] = struct{}{}
	return nil
}

func (b *Backend) writeLocked(p string, data []byte) error {
	if n, ok := b.nodes[p]; ok {
		if n.dir {
			return fmt.Errorf("write %s: is a folder", p)
		}
		n.data = data
		n.modTime = time.Now()
		return nil
	}
	parent := path.Dir(p)
	if err := b.mkdirsLocked(parent); err != nil {
		return err
	}
	b.nodes[p] = &node{data: data, modTime: time.Now()}
	b.nodes[parent].children[path.Base(p)] = struct{}{}
	return nil
}

type object struct {
	b    *Backend
	path string
}

func (o *object) Stat(context.Context) (vfs.Stat, error) {
	o.b.mu.RLock()
	defer o.b.mu.RUnlock()

	n, ok := o.b.nodes[o.path]
	switch {
	case !ok:
		return vfs.Stat{Type: name.Imaginary}, nil
	case n.dir:
		return vfs.Stat{Type: name.Folder, ModTime: n.modTime}, nil
	default:
		return vfs.Stat{Type: name.File, Size: int64(len(n.data)), ModTime: n.modTime}, nil
	}
}

func (o *object) List(context.Context) ([]string, error) {
	o.b.mu.RLock()
	defer o.b.mu.RUnlock()

	n, ok := o.b.nodes[o.path]
	if !ok || !n.dir {
		return nil, fmt.Errorf("list %s: %w", o.path, fs.ErrNotExist)
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	return names, nil
}

// content returns the file's bytes. Writers replace the slice rather than
// mutating it, so readers may keep it without the lock.
func (o *object) content() ([]byte, error) {
	o.b.mu.RLock()
	defer o.b.mu.RUnlock()

	n, ok := o.b.nodes[o.path]
	if !ok || n.dir {
		return nil, fmt.Errorf("open %s: %w", o.path, fs.ErrNotExist)
	}
	return n.data, nil
}

func (o *object) Open(context.Context) (io.ReadCloser, error) {
	data, err := o.content()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type readerAt struct {
	*bytes.Reader
}

func (readerAt) Close() error { return nil }

func (o *object) OpenReaderAt(context.Context) (vfs.ReaderAt, error) {
	data, err := o.content()
	if err != nil {
		return nil, err
	}
	return readerAt{bytes.NewReader(data)}, nil
}

// writer buffers content and commits it to the tree on Close.
type writer struct {
	o   *object
	buf bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	w.o.b.mu.Lock()
	defer w.o.b.mu.Unlock()
	return w.o.b.writeLocked(w.o.path, w.buf.Bytes())
}

func (o *object) Create(context.Context) (io.WriteCloser, error) {
	o.b.mu.RLock()
	n, ok := o.b.nodes[o.path]
	o.b.mu.RUnlock()
	if ok && n.dir {
		return nil, fmt.Errorf("create %s: is a folder", o.path)
	}
	return &writer{o: o}, nil
}

func (o *object) Append(ctx context.Context) (io.WriteCloser, error) {
	w, err := o.Create(ctx)
	if err != nil {
		return nil, err
	}
	o.b.mu.RLock()
	if n, ok := o.b.nodes[o.path]; ok {
		w.(*writer).buf.Write(n.data)
	}
	o.b.mu.RUnlock()
	return w, nil
}

func (o *object) MakeDir(context.Context) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	return o.b.mkdirsLocked(o.path)
}

func (o *object) Delete(context.Context) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()

	n, ok := o.b.nodes[o.path]
	if !ok {
		return nil
	}
	if o.path == "/" {
		return fmt.Errorf("delete %s: root", o.path)
	}
	if n.dir && len(n.children) > 0 {
		return fmt.Errorf("delete %s: %w", o.path, ErrNotEmpty)
	}
	delete(o.b.nodes, o.path)
	delete(o.b.nodes[path.Dir(o.path)].children, path.Base(o.path))
	return nil
}

func (o *object) Rename(_ context.Context, to *name.Name) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()

	dest := to.Path()
	if _, ok := o.b.nodes[o.path]; !ok {
		return fmt.Errorf("rename %s: %w", o.path, fs.ErrNotExist)
	}
	if _, ok := o.b.nodes[dest]; ok {
		return fmt.Errorf("rename %s to %s: %w", o.path, dest, fs.ErrExist)
	}
	if strings.HasPrefix(dest, o.path+"/") {
		return fmt.Errorf("rename %s into itself", o.path)
	}
	if err := o.b.mkdirsLocked(path.Dir(dest)); err != nil {
		return err
	}

	moved := map[string]*node{dest: o.b.nodes[o.path]}
	delete(o.b.nodes, o.path)
	prefix := o.path + "/"
	for p, n := range o.b.nodes {
		if strings.HasPrefix(p, prefix) {
			moved[dest+"/"+p[len(prefix):]] = n
			delete(o.b.nodes, p)
		}
	}
	for p, n := range moved {
		o.b.nodes[p] = n
	}
	delete(o.b.nodes[path.Dir(o.path)].children, path.Base(o.path))
	o.b.nodes[path.Dir(dest)].children[path.Base(dest)] = struct{}{}
	return nil
}

func (o *object) SetModTime(_ context.Context, t time.Time) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()

	n, ok := o.b.nodes[o.path]
	if !ok {
		return fmt.Errorf("set modtime %s: %w", o.path, fs.ErrNotExist)
	}
	n.modTime = t
	return nil
}
