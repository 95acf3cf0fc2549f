// Package webdav exposes a folder of the virtual file system over WebDAV.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// NewHandler serves root under prefix.
func NewHandler(root *vfs.File, prefix string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webdav.Handler{
		FileSystem: &FS{Root: root},
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Debug("webdav request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}
}

// FS implements webdav.FileSystem over a vfs folder.
type FS struct {
	Root *vfs.File
}

var _ webdav.FileSystem = (*FS)(nil)

// resolve maps a slash separated WebDAV path below the root to a file.
func (fs *FS) resolve(ctx context.Context, p string) (*vfs.File, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return fs.Root, nil
	}
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segments {
		segments[i] = name.Encode(s)
	}
	return fs.Root.Resolve(ctx, strings.Join(segments, "/"), name.ScopeDescendentOrSelf)
}

// osError maps vfs errors to the os errors the WebDAV handler checks for.
func osError(err error) error {
	switch {
	case err == nil:
		return nil
	case vfserr.Has(err, vfserr.CodeNotFound):
		return os.ErrNotExist
	case vfserr.Has(err, vfserr.CodeMissingCapability):
		return os.ErrPermission
	}
	return err
}

func (fs *FS) Mkdir(ctx context.Context, p string, _ os.FileMode) error {
	f, err := fs.resolve(ctx, p)
	if err != nil {
		return err
	}
	exists, err := f.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return os.ErrExist
	}
	return osError(f.MakeDir(ctx))
}

func (fs *FS) OpenFile(ctx context.Context, p string, flag int, _ os.FileMode) (webdav.File, error) {
	f, err := fs.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		var w io.WriteCloser
		if flag&os.O_APPEND != 0 {
			w, err = f.Append(ctx)
		} else {
			w, err = f.Create(ctx)
		}
		if err != nil {
			return nil, osError(err)
		}
		return &file{ctx: ctx, f: f, w: w}, nil
	}

	st, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if st.Type == name.Imaginary {
		return nil, os.ErrNotExist
	}
	return &file{ctx: ctx, f: f, st: st}, nil
}

func (fs *FS) RemoveAll(ctx context.Context, p string) error {
	f, err := fs.resolve(ctx, p)
	if err != nil {
		return err
	}
	if f == fs.Root {
		return errors.New("cannot remove the root")
	}
	return osError(removeAll(ctx, f))
}

func removeAll(ctx context.Context, f *vfs.File) error {
	t, err := f.Type(ctx)
	if err != nil {
		return err
	}
	switch t {
	case name.Imaginary:
		return vfserr.New(vfserr.CodeNotFound, f.String())
	case name.Folder:
		children, err := f.Children(ctx)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := removeAll(ctx, c); err != nil {
				return err
			}
		}
	}
	return f.Delete(ctx)
}

// Rename moves a file. Moves the backend cannot do in place, across
// junctions or file systems, are done by copying files.
func (fs *FS) Rename(ctx context.Context, oldName, newName string) error {
	src, err := fs.resolve(ctx, oldName)
	if err != nil {
		return err
	}
	dst, err := fs.resolve(ctx, newName)
	if err != nil {
		return err
	}

	err = src.Rename(ctx, dst)
	if err == nil || !(errors.Is(err, vfs.ErrCrossFileSystem) || vfserr.Has(err, vfserr.CodeMissingCapability)) {
		return osError(err)
	}
	if err := copyFile(ctx, src, dst); err != nil {
		return osError(err)
	}
	return osError(src.Delete(ctx))
}

func copyFile(ctx context.Context, src, dst *vfs.File) error {
	t, err := src.Type(ctx)
	if err != nil {
		return err
	}
	if t != name.File {
		return fmt.Errorf("move %s: only files can be copied", src)
	}
	r, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := dst.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (fs *FS) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	f, err := fs.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if st.Type == name.Imaginary {
		return nil, os.ErrNotExist
	}
	return newFileInfo(f, st), nil
}

// file implements webdav.File. Reads use random access when the file
// system has it and otherwise reopen the stream on backward seeks.
type file struct {
	ctx context.Context
	f   *vfs.File
	st  vfs.Stat

	w       io.WriteCloser
	written int64

	ra     *vfs.RandomAccess
	rc     io.ReadCloser
	rcPos  int64
	offset int64

	listed  []os.FileInfo
	listPos int
	listing bool
}

var _ webdav.File = (*file)(nil)

func (f *file) Close() error {
	var err error
	if f.w != nil {
		err = f.w.Close()
		f.w = nil
	}
	if f.ra != nil {
		f.ra.Close()
		f.ra = nil
	}
	if f.rc != nil {
		f.rc.Close()
		f.rc = nil
	}
	return osError(err)
}

func (f *file) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, errors.New("file not opened for writing")
	}
	n, err := f.w.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *file) Read(p []byte) (int, error) {
	if f.w != nil {
		return 0, errors.New("file opened for writing")
	}
	if f.st.Type != name.File {
		return 0, errors.New("not a file")
	}

	if f.ra == nil && f.rc == nil && f.f.Capabilities().Has(vfs.CapRandomAccessRead) {
		ra, err := f.f.OpenRandom(f.ctx)
		if err != nil && !vfserr.Has(err, vfserr.CodeMissingCapability) {
			return 0, osError(err)
		}
		f.ra = ra
	}
	if f.ra != nil {
		n, err := f.ra.ReadAt(p, f.offset)
		f.offset += int64(n)
		if err == io.EOF && n > 0 {
			err = nil
		}
		return n, err
	}

	if err := f.stream(); err != nil {
		return 0, err
	}
	n, err := f.rc.Read(p)
	f.offset += int64(n)
	f.rcPos += int64(n)
	return n, err
}

// stream positions the sequential reader at f.offset.
func (f *file) stream() error {
	if f.rc != nil && f.rcPos > f.offset {
		f.rc.Close()
		f.rc = nil
	}
	if f.rc == nil {
		rc, err := f.f.Open(f.ctx)
		if err != nil {
			return osError(err)
		}
		f.rc, f.rcPos = rc, 0
	}
	if skip := f.offset - f.rcPos; skip > 0 {
		n, err := io.CopyN(io.Discard, f.rc, skip)
		f.rcPos += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.offset + offset
	case io.SeekEnd:
		pos = f.st.Size + offset
	default:
		return f.offset, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if pos < 0 {
		return f.offset, errors.New("seek: negative position")
	}
	f.offset = pos
	return pos, nil
}

// Readdir follows os.File.Readdir: count <= 0 returns everything left,
// otherwise at most count entries and io.EOF at the end.
func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	if f.st.Type != name.Folder {
		return nil, errors.New("not a folder")
	}
	if !f.listing {
		children, err := f.f.Children(f.ctx)
		if err != nil {
			return nil, osError(err)
		}
		for _, c := range children {
			st, err := c.Stat(f.ctx)
			if err != nil {
				return nil, err
			}
			if st.Type != name.Imaginary {
				f.listed = append(f.listed, newFileInfo(c, st))
			}
		}
		f.listing = true
	}

	rest := f.listed[f.listPos:]
	if count <= 0 {
		f.listPos = len(f.listed)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if count > len(rest) {
		count = len(rest)
	}
	f.listPos += count
	return rest[:count], nil
}

func (f *file) Stat() (os.FileInfo, error) {
	if f.w != nil {
		return &fileInfo{name: f.f.Name().BaseName(), size: f.written, modTime: time.Now()}, nil
	}
	return newFileInfo(f.f, f.st), nil
}

// fileInfo implements os.FileInfo.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func newFileInfo(f *vfs.File, st vfs.Stat) *fileInfo {
	base := f.Name().BaseName()
	if base == "" {
		base = "/"
	}
	return &fileInfo{name: base, size: st.Size, isDir: st.Type == name.Folder, modTime: st.ModTime}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() any           { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}
