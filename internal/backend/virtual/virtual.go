// Package virtual implements the "vfs" scheme: an empty tree onto which
// files and folders of other file systems are grafted as junctions.
//
// A junction maps a point, an absolute path in the virtual tree, to a
// target file. Names at or below a point resolve through the target; the
// ancestors of points are synthesized as folders. Junctions cannot nest.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/junctions"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Scheme is the URI scheme served by this package.
const Scheme = "vfs"

// RootURI is the URI of the virtual tree's root.
const RootURI = Scheme + ":///"

// ErrNoJunction is returned for writes outside any junction.
var ErrNoJunction = errors.New("no junction")

// ErrTargetInTree is returned for a junction target inside the virtual tree.
var ErrTargetInTree = errors.New("junction target is inside the virtual tree")

var capabilities = vfs.NewCapabilities(
	vfs.CapReadContent,
	vfs.CapWriteContent,
	vfs.CapAppendContent,
	vfs.CapRandomAccessRead,
	vfs.CapListChildren,
	vfs.CapDelete,
	vfs.CapCreate,
	vfs.CapGetLastModified,
	vfs.CapSetLastModifiedFile,
	vfs.CapGetType,
	vfs.CapJunctions,
	vfs.CapVirtual,
)

// Persister stores junctions across restarts. *junctions.Store implements
// it.
type Persister interface {
	Put(ctx context.Context, root, point, target string) error
	Delete(ctx context.Context, root, point string) error
	List(ctx context.Context, root string) ([]junctions.Junction, error)
}

// Register adds the virtual provider to m. store may be nil.
func Register(m *vfs.Manager, store Persister) {
	m.AddProvider(Scheme, &Provider{Manager: m, Store: store})
}

// Provider creates the virtual tree.
type Provider struct {
	Manager *vfs.Manager
	Store   Persister
}

func (p *Provider) Parser(name.URIParser) name.Parser {
	return name.LocalParser{Scheme: Scheme}
}

func (p *Provider) NewBackend(ctx context.Context, root *name.Name, _ *vfs.File) (vfs.Backend, error) {
	if p.Manager == nil {
		return nil, fmt.Errorf("%s: provider has no manager", root.FriendlyURI())
	}
	b := &Backend{
		root:      root,
		m:         p.Manager,
		store:     p.Store,
		junctions: make(map[string]*vfs.File),
	}
	if err := b.restore(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Backend is the virtual tree.
type Backend struct {
	root  *name.Name
	m     *vfs.Manager
	store Persister

	mu        sync.RWMutex
	junctions map[string]*vfs.File
}

// Open resolves the root of the virtual tree in m and returns its backend.
func Open(ctx context.Context, m *vfs.Manager) (*Backend, error) {
	f, err := m.Resolve(ctx, RootURI)
	if err != nil {
		return nil, err
	}
	b, ok := f.Backend().(*Backend)
	if !ok {
		return nil, fmt.Errorf("%s is not served by the virtual backend", RootURI)
	}
	return b, nil
}

func (b *Backend) Root() *name.Name               { return b.root }
func (b *Backend) Capabilities() vfs.Capabilities { return capabilities }

// Close drops the junctions in memory. Persisted junctions are kept.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.junctions = make(map[string]*vfs.File)
	b.mu.Unlock()
	return nil
}

func (b *Backend) restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	saved, err := b.store.List(ctx, b.root.URI())
	if err != nil {
		return fmt.Errorf("restore junctions: %w", err)
	}
	logger := b.m.Logger()
	for _, j := range saved {
		target, err := b.m.Resolve(ctx, j.Target)
		if err == nil {
			err = b.checkTarget(target)
		}
		if err == nil {
			err = b.checkPoint(j.Point)
		}
		if err != nil {
			logger.Warn("skipping saved junction",
				zap.String("point", j.Point), zap.String("target", j.Target), zap.Error(err))
			continue
		}
		b.junctions[j.Point] = target
	}
	if len(b.junctions) > 0 {
		logger.Info("junctions restored", zap.Int("count", len(b.junctions)))
	}
	return nil
}

// point normalizes an absolute path in the virtual tree.
func (b *Backend) point(p string) (string, error) {
	n, err := b.root.Resolve(p, name.ScopeFileSystem)
	if err != nil {
		return "", err
	}
	return n.Path(), nil
}

func (b *Backend) checkTarget(target *vfs.File) error {
	if target.Name().SameRoot(b.root) {
		return fmt.Errorf("%s: %w", target, ErrTargetInTree)
	}
	return nil
}

// checkPoint rejects a point at, above or below an existing junction.
// The caller holds b.mu.
func (b *Backend) checkPoint(point string) error {
	for p := range b.junctions {
		if p == point || under(point, p) || under(p, point) {
			return vfserr.Newf(vfserr.CodeNestedJunction, "%s (existing junction %s)", point, p)
		}
	}
	return nil
}

// under reports whether path lies strictly below dir.
func under(path, dir string) bool {
	if dir == "/" {
		return path != "/"
	}
	return strings.HasPrefix(path, dir+"/")
}

// AddJunction grafts target onto the tree at point.
func (b *Backend) AddJunction(ctx context.Context, point string, target *vfs.File) error {
	point, err := b.point(point)
	if err != nil {
		return err
	}
	if err := b.checkTarget(target); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPoint(point); err != nil {
		return err
	}
	if b.store != nil {
		if err := b.store.Put(ctx, b.root.URI(), point, target.Name().URI()); err != nil {
			return err
		}
	}
	b.junctions[point] = target

	uri := b.root.CreateName(point, name.Imaginary).FriendlyURI()
	b.m.Logger().Info("junction added", zap.String("point", uri), zap.Stringer("target", target))
	b.m.Publish(vfs.EventJunctionAdd, uri, target.String())
	return nil
}

// RemoveJunction removes the junction at point. It reports whether there
// was one.
func (b *Backend) RemoveJunction(ctx context.Context, point string) (bool, error) {
	point, err := b.point(point)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	target, ok := b.junctions[point]
	if !ok {
		return false, nil
	}
	if b.store != nil {
		if err := b.store.Delete(ctx, b.root.URI(), point); err != nil {
			return false, err
		}
	}
	delete(b.junctions, point)

	uri := b.root.CreateName(point, name.Imaginary).FriendlyURI()
	b.m.Logger().Info("junction removed", zap.String("point", uri))
	b.m.Publish(vfs.EventJunctionRemove, uri, target.String())
	return true, nil
}

// Junction is a point and its target URI.
type Junction struct {
	Point  string `json:"point"`
	Target string `json:"target"`
}

// Junctions returns the current junctions ordered by point.
func (b *Backend) Junctions() []Junction {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Junction, 0, len(b.junctions))
	for p, t := range b.junctions {
		out = append(out, Junction{Point: p, Target: t.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Point < out[j].Point })
	return out
}

// lookup returns the target point and junction for path, or "" and nil.
func (b *Backend) lookup(path string) (string, *vfs.File) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for p, t := range b.junctions {
		if p == path || under(path, p) {
			return p, t
		}
	}
	return "", nil
}

// synthesized returns the names of the folders and points directly below
// path, and whether path is an ancestor of any point.
func (b *Backend) synthesized(path string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := map[string]bool{}
	var names []string
	for p := range b.junctions {
		if !under(p, path) {
			continue
		}
		rest := strings.TrimPrefix(p, path)
		rest = strings.TrimPrefix(rest, "/")
		first, _, _ := strings.Cut(rest, "/")
		if !seen[first] {
			seen[first] = true
			names = append(names, first)
		}
	}
	return names, len(seen) > 0
}

func (b *Backend) Materialize(_ context.Context, n *name.Name) (vfs.Object, error) {
	return &object{b: b, name: n}, nil
}

// object resolves its junction on every call, so files cached before a
// junction change see the new tree.
type object struct {
	b    *Backend
	name *name.Name
}

// target returns the file the name maps to through a junction, or nil.
func (o *object) target(ctx context.Context) (*vfs.File, error) {
	point, jf := o.b.lookup(o.name.Path())
	if jf == nil {
		return nil, nil
	}
	rel := strings.TrimPrefix(o.name.Path(), point)
	if rel == "" {
		return jf, nil
	}
	base := jf.Name()
	path := strings.TrimSuffix(base.Path(), "/") + rel
	return o.b.m.ResolveName(ctx, base.CreateName(path, o.name.Type()))
}

func (o *object) mustTarget(ctx context.Context) (*vfs.File, error) {
	t, err := o.target(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s: %w", o.name.FriendlyURI(), ErrNoJunction)
	}
	return t, nil
}

func (o *object) Stat(ctx context.Context) (vfs.Stat, error) {
	t, err := o.target(ctx)
	if err != nil {
		return vfs.Stat{}, err
	}
	if t != nil {
		return t.Stat(ctx)
	}
	if _, ok := o.b.synthesized(o.name.Path()); ok || o.name.IsRoot() {
		return vfs.Stat{Type: name.Folder}, nil
	}
	return vfs.Stat{Type: name.Imaginary}, nil
}

func (o *object) List(ctx context.Context) ([]string, error) {
	t, err := o.target(ctx)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t.ChildNames(ctx)
	}
	names, _ := o.b.synthesized(o.name.Path())
	return names, nil
}

func (o *object) Open(ctx context.Context) (io.ReadCloser, error) {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return nil, err
	}
	return t.Open(ctx)
}

type randomReader struct {
	*vfs.RandomAccess
}

func (r randomReader) Size() int64 { return r.Length() }

func (o *object) OpenReaderAt(ctx context.Context) (vfs.ReaderAt, error) {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return nil, err
	}
	ra, err := t.OpenRandom(ctx)
	if err != nil {
		return nil, err
	}
	return randomReader{ra}, nil
}

func (o *object) Create(ctx context.Context) (io.WriteCloser, error) {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return nil, err
	}
	return t.Create(ctx)
}

func (o *object) Append(ctx context.Context) (io.WriteCloser, error) {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return nil, err
	}
	return t.Append(ctx)
}

func (o *object) MakeDir(ctx context.Context) error {
	t, err := o.target(ctx)
	if err != nil {
		return err
	}
	if t != nil {
		return t.MakeDir(ctx)
	}
	if _, ok := o.b.synthesized(o.name.Path()); ok || o.name.IsRoot() {
		return nil
	}
	return fmt.Errorf("%s: %w", o.name.FriendlyURI(), ErrNoJunction)
}

// Delete deletes through a junction. Deleting a junction point itself
// deletes the target, not the junction.
func (o *object) Delete(ctx context.Context) error {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return err
	}
	return t.Delete(ctx)
}

func (o *object) SetModTime(ctx context.Context, mt time.Time) error {
	t, err := o.mustTarget(ctx)
	if err != nil {
		return err
	}
	return t.SetModTime(ctx, mt)
}
