// Package archive mounts container files (zip, tar and single compressed
// files) as read-only layered file systems, e.g. zip:file:///a.zip!/dir/x.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	arch "github.com/fruitsalade/vfs/pkg/archive"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// Observer is told how long indexing took, typically to feed metrics.
type Observer interface {
	ArchiveIndexed(format string, d time.Duration, entries int)
}

type nopObserver struct{}

func (nopObserver) ArchiveIndexed(string, time.Duration, int) {}

// Formats maps each supported scheme to its container format.
func Formats() map[string]arch.Format {
	return map[string]arch.Format{
		"zip":  arch.Zip{},
		"jar":  arch.Zip{FormatName: "jar"},
		"tar":  arch.Tar{},
		"tgz":  arch.Tar{Compression: arch.Gzip},
		"tbz2": arch.Tar{Compression: arch.Bzip2},
		"tzst": arch.Tar{Compression: arch.Zstd},
		"gz":   arch.Single{Compression: arch.Gzip},
		"bz2":  arch.Single{Compression: arch.Bzip2},
		"zst":  arch.Single{Compression: arch.Zstd},
	}
}

// Register adds a provider for every format returned by Formats.
func Register(m *vfs.Manager, obs Observer) {
	for scheme, f := range Formats() {
		m.AddProvider(scheme, &Provider{Format: f, Observer: obs})
	}
}

// Provider mounts containers of one format.
type Provider struct {
	Format   arch.Format
	Observer Observer
}

func (p *Provider) Parser(uris name.URIParser) name.Parser {
	return name.LayeredParser{Outer: uris}
}

func (p *Provider) NewBackend(ctx context.Context, root *name.Name, outer *vfs.File) (vfs.Backend, error) {
	if outer == nil {
		return nil, fmt.Errorf("%s: no outer file", root.FriendlyURI())
	}
	logger := outer.Manager().Logger()

	src, release, err := source(ctx, outer)
	if err != nil {
		return nil, err
	}

	format := p.Format
	if single, ok := format.(arch.Single); ok {
		single.EntryName = entryName(outer.Name())
		if mt, err := outer.ModTime(ctx); err == nil {
			single.ModTime = mt
		}
		format = single
	}

	start := time.Now()
	c, err := arch.Open(ctx, root, format, src)
	if err != nil {
		release()
		return nil, err
	}
	d := time.Since(start)

	obs := p.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	obs.ArchiveIndexed(format.Name(), d, c.Index().Len())
	logger.Debug("container indexed",
		zap.String("root", root.FriendlyURI()),
		zap.String("format", format.Name()),
		zap.Int("nodes", c.Index().Len()),
		zap.Duration("took", d))

	caps := vfs.NewCapabilities(vfs.CapReadContent, vfs.CapListChildren, vfs.CapGetType, vfs.CapGetLastModified)
	if format.Name() != "tar" {
		caps = caps.With(vfs.CapCompress)
	}
	return &Backend{root: root, container: c, caps: caps, release: release}, nil
}

// entryName is the outer base name without its compression extension.
func entryName(outer *name.Name) string {
	base := outer.BaseName()
	if ext := outer.Extension(); ext != "" {
		if _, ok := arch.CompressionForExtension(ext); ok {
			return strings.TrimSuffix(base, "."+ext)
		}
	}
	return base
}

// source returns where to read the outer file from. Local files are read in
// place. Other files are copied to the replica store, when the manager has
// one, and pinned until release is called.
func source(ctx context.Context, outer *vfs.File) (arch.Source, func(), error) {
	if path, ok := outer.LocalPath(); ok {
		return arch.FileSource(path), func() {}, nil
	}

	store := outer.Manager().Replica()
	if store == nil {
		return arch.SourceFunc(outer.Open), func() {}, nil
	}

	key := outer.Name().Key()
	path, err := store.Fetch(ctx, key, func(ctx context.Context) (io.ReadCloser, error) {
		return outer.Open(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Pin(key); err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := store.Unpin(key); err != nil {
			outer.Manager().Logger().Debug("replica unpin", zap.String("key", key), zap.Error(err))
		}
	}
	return arch.FileSource(path), release, nil
}

// Backend is an indexed container.
type Backend struct {
	root      *name.Name
	container *arch.Container
	caps      vfs.Capabilities
	release   func()
}

func (b *Backend) Root() *name.Name               { return b.root }
func (b *Backend) Capabilities() vfs.Capabilities { return b.caps }

// Index returns the container's index.
func (b *Backend) Index() *arch.Index { return b.container.Index() }

func (b *Backend) Materialize(_ context.Context, n *name.Name) (vfs.Object, error) {
	return &object{c: b.container, name: n}, nil
}

// Close releases the replica the container was read from.
func (b *Backend) Close() error {
	b.release()
	return nil
}

type object struct {
	c    *arch.Container
	name *name.Name
}

func (o *object) Stat(context.Context) (vfs.Stat, error) {
	node, ok := o.c.Index().Lookup(o.name)
	if !ok {
		return vfs.Stat{Type: name.Imaginary}, nil
	}
	st := vfs.Stat{Type: node.Type(), ModTime: node.ModTime()}
	if node.Type() == name.File {
		st.Size = node.Size()
	}
	return st, nil
}

func (o *object) List(context.Context) ([]string, error) {
	node, ok := o.c.Index().Lookup(o.name)
	if !ok {
		return nil, nil
	}
	return o.c.Index().ChildNames(node), nil
}

func (o *object) Open(ctx context.Context) (io.ReadCloser, error) {
	return o.c.Content(ctx, o.name)
}
