// Package local serves the local file system under the "file" scheme.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// Scheme is the URI scheme served by this package.
const Scheme = "file"

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

// Provider mounts local roots: "/" on POSIX, a drive or a UNC share on
// Windows.
type Provider struct {
	Style name.LocalStyle
}

func (p Provider) Parser(name.URIParser) name.Parser {
	return name.LocalParser{Scheme: Scheme, Style: p.Style}
}

func (p Provider) NewBackend(_ context.Context, root *name.Name, _ *vfs.File) (vfs.Backend, error) {
	return New(root)
}

// Backend is one local root.
type Backend struct {
	root       *name.Name
	designator string
}

// New creates a backend for root, which must have a local root.
func New(root *name.Name) (*Backend, error) {
	lr, ok := root.Root().(*name.LocalRoot)
	if !ok {
		return nil, fmt.Errorf("%s is not a local root", root.FriendlyURI())
	}
	return &Backend{root: root, designator: lr.Designator()}, nil
}

func (b *Backend) Root() *name.Name               { return b.root }
func (b *Backend) Capabilities() vfs.Capabilities { return capabilities }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

func (b *Backend) fullPath(n *name.Name) string {
	return filepath.FromSlash(b.designator + n.Path())
}

func (b *Backend) Materialize(_ context.Context, n *name.Name) (vfs.Object, error) {
	return &object{path: b.fullPath(n)}, nil
}

type object struct {
	path string
}

func (o *object) LocalPath() string { return o.path }

func (o *object) Stat(context.Context) (vfs.Stat, error) {
	info, err := os.Stat(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return vfs.Stat{Type: name.Imaginary}, nil
		}
		return vfs.Stat{}, fmt.Errorf("stat %s: %w", o.path, err)
	}
	if info.IsDir() {
		return vfs.Stat{Type: name.Folder, ModTime: info.ModTime()}, nil
	}
	return vfs.Stat{Type: name.File, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (o *object) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(o.path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", o.path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (o *object) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(o.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.path, err)
	}
	return f, nil
}

type readerAt struct {
	*os.File
	size int64
}

func (r readerAt) Size() int64 { return r.size }

func (o *object) OpenReaderAt(context.Context) (vfs.ReaderAt, error) {
	f, err := os.Open(o.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", o.path, err)
	}
	return readerAt{File: f, size: info.Size()}, nil
}

// atomicWriter writes to a temporary file next to the target and renames
// it into place on Close.
type atomicWriter struct {
	*os.File
	target string
}

func (w *atomicWriter) Close() error {
	tmpName := w.File.Name()
	if err := w.File.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", w.target, err)
	}
	if err := os.Rename(tmpName, w.target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", w.target, err)
	}
	return nil
}

func (o *object) Create(context.Context) (io.WriteCloser, error) {
	dir := filepath.Dir(o.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", o.path, err)
	}
	if info, err := os.Stat(o.path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("create %s: is a directory", o.path)
	}
	tmp, err := os.CreateTemp(dir, ".vfs-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", o.path, err)
	}
	return &atomicWriter{File: tmp, target: o.path}, nil
}

func (o *object) Append(context.Context) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", o.path, err)
	}
	f, err := os.OpenFile(o.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s for append: %w", o.path, err)
	}
	return f, nil
}

func (o *object) MakeDir(context.Context) error {
	if err := os.MkdirAll(o.path, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", o.path, err)
	}
	return nil
}

func (o *object) Delete(context.Context) error {
	err := os.Remove(o.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", o.path, err)
	}
	return nil
}

func (o *object) Rename(_ context.Context, to *name.Name) error {
	lr, ok := to.Root().(*name.LocalRoot)
	if !ok {
		return fmt.Errorf("rename %s: %s is not local", o.path, to.FriendlyURI())
	}
	dest := filepath.FromSlash(lr.Designator() + to.Path())
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dest, err)
	}
	if err := os.Rename(o.path, dest); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", o.path, dest, err)
	}
	return nil
}

func (o *object) SetModTime(_ context.Context, t time.Time) error {
	if err := os.Chtimes(o.path, t, t); err != nil {
		return fmt.Errorf("set modtime %s: %w", o.path, err)
	}
	return nil
}
