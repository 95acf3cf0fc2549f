package vfs

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/vfs/pkg/cache"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// ErrCrossFileSystem is returned when renaming to another file system.
var ErrCrossFileSystem = errors.New("vfs: rename across file systems")

// File is a resolved file. Files are shared: resolving the same name twice
// returns the same *File while it is cached.
type File struct {
	name *name.Name
	fs   *fileSystem
	obj  Object
	open atomic.Int32
}

var (
	_ cache.Handle = (*File)(nil)
	_ cache.InUse  = (*File)(nil)
)

func (f *File) Store() cache.Store { return f.fs }
func (f *File) Name() *name.Name   { return f.name }
func (f *File) String() string     { return f.name.FriendlyURI() }

// InUse reports whether a stream opened on the file is still open.
func (f *File) InUse() bool { return f.open.Load() > 0 }

// Manager returns the manager that resolved the file.
func (f *File) Manager() *Manager { return f.fs.m }

// Backend returns the backend of the file's file system.
func (f *File) Backend() Backend { return f.fs.backend }

// Object returns the backend object behind the file.
func (f *File) Object() Object { return f.obj }

// Capabilities returns the capabilities of the file's file system.
func (f *File) Capabilities() Capabilities { return f.fs.caps }

// LocalPath returns the path of the file on the local disk, if it has one.
func (f *File) LocalPath() (string, bool) {
	if l, ok := f.obj.(LocalObject); ok {
		return l.LocalPath(), true
	}
	return "", false
}

func (f *File) require(c Capability) error {
	if !f.fs.caps.Has(c) {
		return vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", c, f.name.FriendlyURI())
	}
	return nil
}

// Stat returns the current state of the file.
func (f *File) Stat(ctx context.Context) (Stat, error) {
	var st Stat
	err := f.fs.op("stat", func() (err error) {
		st, err = f.obj.Stat(ctx)
		return err
	})
	return st, err
}

// Type returns the file's type; name.Imaginary when it does not exist.
func (f *File) Type(ctx context.Context) (name.FileType, error) {
	st, err := f.Stat(ctx)
	return st.Type, err
}

// Exists reports whether the file exists.
func (f *File) Exists(ctx context.Context) (bool, error) {
	t, err := f.Type(ctx)
	return t != name.Imaginary, err
}

// Size returns the content length of a file.
func (f *File) Size(ctx context.Context) (int64, error) {
	st, err := f.Stat(ctx)
	if err != nil {
		return 0, err
	}
	if st.Type != name.File {
		return 0, vfserr.New(vfserr.CodeReadNotFile, f.name.FriendlyURI())
	}
	return st.Size, nil
}

// ModTime returns the last modification time.
func (f *File) ModTime(ctx context.Context) (time.Time, error) {
	if err := f.require(CapGetLastModified); err != nil {
		return time.Time{}, err
	}
	st, err := f.Stat(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if st.Type == name.Imaginary {
		return time.Time{}, vfserr.New(vfserr.CodeNotFound, f.name.FriendlyURI())
	}
	return st.ModTime, nil
}

// SetModTime sets the last modification time of a file.
func (f *File) SetModTime(ctx context.Context, t time.Time) error {
	if err := f.require(CapSetLastModifiedFile); err != nil {
		return err
	}
	o, ok := f.obj.(ModTimeObject)
	if !ok {
		return vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapSetLastModifiedFile, f.name.FriendlyURI())
	}
	return f.fs.op("set-modtime", func() error { return o.SetModTime(ctx, t) })
}

// Children returns the children of a folder, sorted by base name.
func (f *File) Children(ctx context.Context) ([]*File, error) {
	names, err := f.ChildNames(ctx)
	if err != nil {
		return nil, err
	}
	children := make([]*File, 0, len(names))
	for _, base := range names {
		child, err := f.Child(ctx, base)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// ChildNames returns the base names of the children of a folder, sorted.
func (f *File) ChildNames(ctx context.Context) ([]string, error) {
	if err := f.require(CapListChildren); err != nil {
		return nil, err
	}
	t, err := f.Type(ctx)
	if err != nil {
		return nil, err
	}
	if t != name.Folder {
		return nil, vfserr.New(vfserr.CodeListNotFolder, f.name.FriendlyURI())
	}

	var names []string
	err = f.fs.op("list", func() (err error) {
		names, err = f.obj.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Child returns the immediate child called base.
func (f *File) Child(ctx context.Context, base string) (*File, error) {
	n, err := f.name.Resolve(name.Encode(base), name.ScopeChild)
	if err != nil {
		return nil, err
	}
	return f.fs.m.ResolveName(ctx, n)
}

// Parent returns the parent folder, or nil for the root of a file system.
func (f *File) Parent(ctx context.Context) (*File, error) {
	p := f.name.Parent()
	if p == nil {
		return nil, nil
	}
	return f.fs.m.ResolveName(ctx, p)
}

// Resolve resolves path relative to the file within scope. path may also be
// an absolute URI.
func (f *File) Resolve(ctx context.Context, path string, scope name.Scope) (*File, error) {
	n, err := f.fs.m.registry.ResolveName(f.name, path, scope)
	if err != nil {
		return nil, err
	}
	return f.fs.m.ResolveName(ctx, n)
}

// Open opens the content of a file for reading.
func (f *File) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := f.require(CapReadContent); err != nil {
		return nil, err
	}
	if err := f.checkReadable(ctx); err != nil {
		return nil, err
	}

	var rc io.ReadCloser
	err := f.fs.op("open", func() (err error) {
		rc, err = f.obj.Open(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.open.Add(1)
	f.fs.m.cache.Touch(f)
	return &trackedReader{ReadCloser: rc, f: f}, nil
}

// OpenRandom opens the content of a file for random access reads.
func (f *File) OpenRandom(ctx context.Context) (*RandomAccess, error) {
	if err := f.require(CapRandomAccessRead); err != nil {
		return nil, err
	}
	o, ok := f.obj.(RandomAccessObject)
	if !ok {
		return nil, vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapRandomAccessRead, f.name.FriendlyURI())
	}
	if err := f.checkReadable(ctx); err != nil {
		return nil, err
	}

	var r ReaderAt
	err := f.fs.op("open-random", func() (err error) {
		r, err = o.OpenReaderAt(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.open.Add(1)
	f.fs.m.cache.Touch(f)
	return &RandomAccess{r: r, f: f}, nil
}

func (f *File) checkReadable(ctx context.Context) error {
	t, err := f.Type(ctx)
	if err != nil {
		return err
	}
	switch t {
	case name.File:
		return nil
	case name.Imaginary:
		return vfserr.New(vfserr.CodeNotFound, f.name.FriendlyURI())
	default:
		return vfserr.New(vfserr.CodeReadNotFile, f.name.FriendlyURI())
	}
}

// Create opens the file for writing, truncating it and creating missing
// parent folders.
func (f *File) Create(ctx context.Context) (io.WriteCloser, error) {
	if err := f.require(CapWriteContent); err != nil {
		return nil, err
	}
	o, ok := f.obj.(WritableObject)
	if !ok {
		return nil, vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapWriteContent, f.name.FriendlyURI())
	}
	return f.openWriter("create", func() (io.WriteCloser, error) { return o.Create(ctx) })
}

// Append opens the file for writing at its end.
func (f *File) Append(ctx context.Context) (io.WriteCloser, error) {
	if err := f.require(CapAppendContent); err != nil {
		return nil, err
	}
	o, ok := f.obj.(AppendableObject)
	if !ok {
		return nil, vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapAppendContent, f.name.FriendlyURI())
	}
	return f.openWriter("append", func() (io.WriteCloser, error) { return o.Append(ctx) })
}

func (f *File) openWriter(op string, open func() (io.WriteCloser, error)) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := f.fs.op(op, func() (err error) {
		w, err = open()
		return err
	})
	if err != nil {
		return nil, vfserr.Wrap(vfserr.CodeWriteFailed, f.name.FriendlyURI(), err)
	}
	f.open.Add(1)
	return &trackedWriter{WriteCloser: w, f: f}, nil
}

// MakeDir creates the folder and any missing parents.
func (f *File) MakeDir(ctx context.Context) error {
	if err := f.require(CapCreate); err != nil {
		return err
	}
	o, ok := f.obj.(FolderObject)
	if !ok {
		return vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapCreate, f.name.FriendlyURI())
	}
	if err := f.fs.op("mkdir", func() error { return o.MakeDir(ctx) }); err != nil {
		return vfserr.Wrap(vfserr.CodeWriteFailed, f.name.FriendlyURI(), err)
	}
	return nil
}

// Delete removes the file, or an empty folder, and drops it from the cache.
// Deleting a missing file is not an error.
func (f *File) Delete(ctx context.Context) error {
	if err := f.require(CapDelete); err != nil {
		return err
	}
	o, ok := f.obj.(DeletableObject)
	if !ok {
		return vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapDelete, f.name.FriendlyURI())
	}
	if err := f.fs.op("delete", func() error { return o.Delete(ctx) }); err != nil {
		return vfserr.Wrap(vfserr.CodeWriteFailed, f.name.FriendlyURI(), err)
	}
	f.fs.m.cache.Remove(f.fs, f.name)
	return nil
}

// Rename moves the file to dest, which must be on the same file system. The
// source name is dropped from the cache.
func (f *File) Rename(ctx context.Context, dest *File) error {
	if err := f.require(CapRename); err != nil {
		return err
	}
	if dest.fs != f.fs {
		return ErrCrossFileSystem
	}
	o, ok := f.obj.(RenamableObject)
	if !ok {
		return vfserr.Newf(vfserr.CodeMissingCapability, "%s (%s)", CapRename, f.name.FriendlyURI())
	}
	if err := f.fs.op("rename", func() error { return o.Rename(ctx, dest.name) }); err != nil {
		return vfserr.Wrap(vfserr.CodeWriteFailed, f.name.FriendlyURI(), err)
	}
	f.fs.m.cache.Remove(f.fs, f.name)
	return nil
}

type trackedReader struct {
	io.ReadCloser
	f      *File
	closed atomic.Bool
}

func (r *trackedReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.f.open.Add(-1)
	return r.ReadCloser.Close()
}

type trackedWriter struct {
	io.WriteCloser
	f      *File
	closed atomic.Bool
}

func (w *trackedWriter) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.f.open.Add(-1)
	if err := w.WriteCloser.Close(); err != nil {
		return vfserr.Wrap(vfserr.CodeWriteFailed, w.f.name.FriendlyURI(), err)
	}
	return nil
}
