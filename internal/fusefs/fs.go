// Package fusefs mounts a folder of the virtual file system with FUSE.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Config holds mount options.
type Config struct {
	ReadOnly   bool
	AllowOther bool
	Debug      bool
	// TempDir holds write buffers; empty means os.TempDir.
	TempDir string
	Logger  *zap.Logger
}

// FS is a mountable view of a vfs folder.
type FS struct {
	root   *vfs.File
	cfg    Config
	logger *zap.Logger
	uid    uint32
	gid    uint32
}

// New creates a file system rooted at root.
func New(root *vfs.File, cfg Config) *FS {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{
		root:   root,
		cfg:    cfg,
		logger: logger.Named("fuse"),
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
	}
}

// Root returns the root node.
func (f *FS) Root() *Node { return &Node{fsys: f, file: f.root} }

// Mount mounts the file system at mountPoint. The caller unmounts through
// the returned server.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.root.String(),
			Name:       "vfs",
		},
		UID: f.uid,
		GID: f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	f.logger.Info("mounted", zap.String("mountpoint", mountPoint), zap.String("root", f.root.String()))
	return server, nil
}

// Errno maps a vfs error to the errno reported to the kernel.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return unix.EINTR
	case errors.Is(err, vfs.ErrCrossFileSystem):
		return unix.EXDEV
	case errors.Is(err, iofs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, iofs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, iofs.ErrPermission):
		return unix.EACCES
	}
	switch vfserr.CodeOf(err) {
	case vfserr.CodeNotFound:
		return unix.ENOENT
	case vfserr.CodeReadNotFile, vfserr.CodeNoContent:
		return unix.EISDIR
	case vfserr.CodeListNotFolder:
		return unix.ENOTDIR
	case vfserr.CodeMissingCapability:
		return unix.ENOTSUP
	case vfserr.CodeInvalidChildName, vfserr.CodeInvalidDescendentName, vfserr.CodeInvalidRelativePath:
		return unix.EINVAL
	}
	return unix.EIO
}

func (f *FS) fail(op string, file *vfs.File, err error) syscall.Errno {
	errno := Errno(err)
	if errno == unix.EIO {
		f.logger.Warn("operation failed", zap.String("op", op), zap.String("uri", file.String()), zap.Error(err))
	}
	return errno
}

// fillAttr copies st into out. Folders are 0755 and files 0644.
func (f *FS) fillAttr(st vfs.Stat, out *gofuse.Attr) {
	if st.Type == name.Folder {
		out.Mode = 0755 | syscall.S_IFDIR
		out.Size = 0
	} else {
		out.Mode = 0644 | syscall.S_IFREG
		out.Size = uint64(max(st.Size, 0))
	}
	if f.cfg.ReadOnly {
		out.Mode &^= 0222
	}
	mtime := st.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	out.Mtime = uint64(mtime.Unix())
	out.Mtimensec = uint32(mtime.Nanosecond())
	out.Atime, out.Atimensec = out.Mtime, out.Mtimensec
	out.Ctime, out.Ctimensec = out.Mtime, out.Mtimensec
	out.Uid = f.uid
	out.Gid = f.gid
}

// Node is a file or folder of the mounted tree.
type Node struct {
	fs.Inode

	fsys *FS
	file *vfs.File
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.FileReader    = (*handle)(nil)
	_ fs.FileWriter    = (*handle)(nil)
	_ fs.FileFlusher   = (*handle)(nil)
	_ fs.FileReleaser  = (*handle)(nil)
	_ fs.FileGetattrer = (*handle)(nil)
)

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*handle); ok && h.tmp != nil {
		return h.Getattr(ctx, out)
	}
	st, err := n.file.Stat(ctx)
	if err != nil {
		return n.fsys.fail("getattr", n.file, err)
	}
	if st.Type == name.Imaginary {
		return unix.ENOENT
	}
	n.fsys.fillAttr(st, &out.Attr)
	return 0
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if n.fsys.cfg.ReadOnly {
			return unix.EROFS
		}
		if h, ok := fh.(*handle); ok && h.tmp != nil {
			if errno := h.truncate(int64(size)); errno != 0 {
				return errno
			}
		} else if size == 0 {
			if err := writeAll(ctx, n.file, nil); err != nil {
				return n.fsys.fail("truncate", n.file, err)
			}
		} else {
			return unix.ENOTSUP
		}
	}
	if mtime, ok := in.GetMTime(); ok && !n.fsys.cfg.ReadOnly &&
		n.file.Capabilities().Has(vfs.CapSetLastModifiedFile) {
		if err := n.file.SetModTime(ctx, mtime); err != nil {
			return n.fsys.fail("setattr", n.file, err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

// child resolves base below the node and reports its state.
func (n *Node) child(ctx context.Context, base string) (*vfs.File, vfs.Stat, syscall.Errno) {
	c, err := n.file.Child(ctx, base)
	if err != nil {
		return nil, vfs.Stat{}, n.fsys.fail("lookup", n.file, err)
	}
	st, err := c.Stat(ctx)
	if err != nil {
		return nil, vfs.Stat{}, n.fsys.fail("lookup", c, err)
	}
	return c, st, 0
}

func (n *Node) newChild(ctx context.Context, c *vfs.File, st vfs.Stat, out *gofuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(st, &out.Attr)
	return n.NewInode(ctx, &Node{fsys: n.fsys, file: c}, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT})
}

func (n *Node) Lookup(ctx context.Context, base string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c, st, errno := n.child(ctx, base)
	if errno != 0 {
		return nil, errno
	}
	if st.Type == name.Imaginary {
		return nil, unix.ENOENT
	}
	return n.newChild(ctx, c, st, out), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.file.Children(ctx)
	if err != nil {
		return nil, n.fsys.fail("readdir", n.file, err)
	}
	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, c := range children {
		st, err := c.Stat(ctx)
		if err != nil || st.Type == name.Imaginary {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if st.Type == name.Folder {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: c.Name().BaseName(), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	st, err := n.file.Stat(ctx)
	if err != nil {
		return nil, 0, n.fsys.fail("open", n.file, err)
	}
	switch st.Type {
	case name.Imaginary:
		return nil, 0, unix.ENOENT
	case name.Folder:
		return nil, 0, unix.EISDIR
	}

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		if n.fsys.cfg.ReadOnly {
			return nil, 0, unix.EROFS
		}
		h, errno := n.openForWrite(ctx, flags&syscall.O_TRUNC != 0)
		return h, 0, errno
	}
	return &handle{node: n, size: st.Size}, gofuse.FOPEN_KEEP_CACHE, 0
}

// openForWrite buffers the file in a temporary file that Flush writes back.
func (n *Node) openForWrite(ctx context.Context, truncate bool) (*handle, syscall.Errno) {
	tmp, err := os.CreateTemp(n.fsys.cfg.TempDir, "vfs-write-*")
	if err != nil {
		return nil, n.fsys.fail("open", n.file, err)
	}
	h := &handle{node: n, tmp: tmp, dirty: truncate}
	if truncate {
		return h, 0
	}

	rc, err := n.file.Open(ctx)
	if err != nil {
		h.discard()
		return nil, n.fsys.fail("open", n.file, err)
	}
	h.size, err = io.Copy(tmp, rc)
	rc.Close()
	if err != nil {
		h.discard()
		return nil, n.fsys.fail("open", n.file, err)
	}
	return h, 0
}

func (n *Node) Create(ctx context.Context, base string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, nil, 0, unix.EROFS
	}
	c, st, errno := n.child(ctx, base)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	if st.Type != name.Imaginary {
		return nil, nil, 0, unix.EEXIST
	}
	if err := writeAll(ctx, c, nil); err != nil {
		return nil, nil, 0, n.fsys.fail("create", c, err)
	}

	child := &Node{fsys: n.fsys, file: c}
	h, errno := child.openForWrite(ctx, true)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	n.fsys.fillAttr(vfs.Stat{Type: name.File, ModTime: time.Now()}, &out.Attr)
	n.fsys.logger.Debug("created", zap.String("uri", c.String()))
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), h, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, base string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, unix.EROFS
	}
	c, errno := n.mkdir(ctx, base)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, c, vfs.Stat{Type: name.Folder, ModTime: time.Now()}, out), 0
}

func (n *Node) mkdir(ctx context.Context, base string) (*vfs.File, syscall.Errno) {
	c, st, errno := n.child(ctx, base)
	if errno != 0 {
		return nil, errno
	}
	if st.Type != name.Imaginary {
		return nil, unix.EEXIST
	}
	if err := c.MakeDir(ctx); err != nil {
		return nil, n.fsys.fail("mkdir", c, err)
	}
	return c, 0
}

func (n *Node) Unlink(ctx context.Context, base string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return unix.EROFS
	}
	c, st, errno := n.child(ctx, base)
	switch {
	case errno != 0:
		return errno
	case st.Type == name.Imaginary:
		return unix.ENOENT
	case st.Type == name.Folder:
		return unix.EISDIR
	}
	if err := c.Delete(ctx); err != nil {
		return n.fsys.fail("unlink", c, err)
	}
	return 0
}

func (n *Node) Rmdir(ctx context.Context, base string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return unix.EROFS
	}
	c, st, errno := n.child(ctx, base)
	switch {
	case errno != 0:
		return errno
	case st.Type == name.Imaginary:
		return unix.ENOENT
	case st.Type != name.Folder:
		return unix.ENOTDIR
	}
	names, err := c.ChildNames(ctx)
	if err != nil {
		return n.fsys.fail("rmdir", c, err)
	}
	if len(names) > 0 {
		return unix.ENOTEMPTY
	}
	if err := c.Delete(ctx); err != nil {
		return n.fsys.fail("rmdir", c, err)
	}
	return 0
}

func (n *Node) Rename(ctx context.Context, base string, newParent fs.InodeEmbedder, newBase string, flags uint32) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return unix.EROFS
	}
	if flags != 0 {
		return unix.ENOTSUP
	}
	parent, ok := newParent.(*Node)
	if !ok {
		return unix.EXDEV
	}
	src, st, errno := n.child(ctx, base)
	if errno != 0 {
		return errno
	}
	if st.Type == name.Imaginary {
		return unix.ENOENT
	}
	dst, err := parent.file.Child(ctx, newBase)
	if err != nil {
		return n.fsys.fail("rename", parent.file, err)
	}
	if err := src.Rename(ctx, dst); err != nil {
		return n.fsys.fail("rename", src, err)
	}
	return 0
}

func writeAll(ctx context.Context, f *vfs.File, data []byte) error {
	w, err := f.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// handle is an open file. Read handles use random access when the file
// system supports it and a sequential stream otherwise; write handles
// buffer in a temporary file.
type handle struct {
	node *Node

	mu   sync.Mutex
	size int64

	ra  *vfs.RandomAccess
	rc  io.ReadCloser
	pos int64

	tmp   *os.File
	dirty bool
}

func (h *handle) Getattr(ctx context.Context, out *gofuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	size := h.size
	h.mu.Unlock()
	if h.tmp == nil {
		return h.node.Getattr(ctx, nil, out)
	}
	h.node.fsys.fillAttr(vfs.Stat{Type: name.File, Size: size, ModTime: time.Now()}, &out.Attr)
	return 0
}

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tmp != nil {
		n, err := h.tmp.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			return nil, unix.EIO
		}
		return gofuse.ReadResultData(dest[:n]), 0
	}

	f := h.node.file
	if h.ra == nil && h.rc == nil && f.Capabilities().Has(vfs.CapRandomAccessRead) {
		ra, err := f.OpenRandom(ctx)
		if err != nil && vfserr.CodeOf(err) != vfserr.CodeMissingCapability {
			return nil, h.node.fsys.fail("read", f, err)
		}
		h.ra = ra
	}
	if h.ra != nil {
		n, err := h.ra.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			return nil, h.node.fsys.fail("read", f, err)
		}
		return gofuse.ReadResultData(dest[:n]), 0
	}
	return h.readStream(ctx, dest, off)
}

// readStream reads from the sequential stream, reopening it when the
// kernel reads backwards.
func (h *handle) readStream(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	f := h.node.file
	if h.rc != nil && off < h.pos {
		h.rc.Close()
		h.rc = nil
	}
	if h.rc == nil {
		rc, err := f.Open(ctx)
		if err != nil {
			return nil, h.node.fsys.fail("read", f, err)
		}
		h.rc, h.pos = rc, 0
	}
	if skip := off - h.pos; skip > 0 {
		n, err := io.CopyN(io.Discard, h.rc, skip)
		h.pos += n
		if err == io.EOF {
			return gofuse.ReadResultData(nil), 0
		}
		if err != nil {
			return nil, h.node.fsys.fail("read", f, err)
		}
	}
	n, err := io.ReadFull(h.rc, dest)
	h.pos += int64(n)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, h.node.fsys.fail("read", f, err)
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tmp == nil {
		return 0, unix.EBADF
	}
	n, err := h.tmp.WriteAt(data, off)
	if err != nil {
		return 0, unix.EIO
	}
	h.size = max(h.size, off+int64(n))
	h.dirty = true
	return uint32(n), 0
}

func (h *handle) truncate(size int64) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.tmp.Truncate(size); err != nil {
		return unix.EIO
	}
	h.size = size
	h.dirty = true
	return 0
}

// Flush writes buffered content back to the file.
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tmp == nil || !h.dirty {
		return 0
	}

	f := h.node.file
	w, err := f.Create(ctx)
	if err != nil {
		return h.node.fsys.fail("flush", f, err)
	}
	if _, err := io.Copy(w, io.NewSectionReader(h.tmp, 0, h.size)); err != nil {
		w.Close()
		return h.node.fsys.fail("flush", f, err)
	}
	if err := w.Close(); err != nil {
		return h.node.fsys.fail("flush", f, err)
	}
	h.dirty = false
	h.node.fsys.logger.Debug("written", zap.String("uri", f.String()), zap.Int64("bytes", h.size))
	return 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ra != nil {
		h.ra.Close()
		h.ra = nil
	}
	if h.rc != nil {
		h.rc.Close()
		h.rc = nil
	}
	h.discard()
	return 0
}

func (h *handle) discard() {
	if h.tmp != nil {
		h.tmp.Close()
		os.Remove(h.tmp.Name())
		h.tmp = nil
	}
}
