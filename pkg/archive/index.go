package archive

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// NodeID addresses a node within its Index. The root is always 0.
type NodeID int32

// NoNode is the parent of the root.
const NoNode NodeID = -1

// Node is one distinct name inside an indexed container. Synthesized
// ancestors have a nil Entry.
type Node struct {
	id       NodeID
	name     *name.Name
	fileType name.FileType
	entry    Entry
	ordinal  int
	parent   NodeID
	children []NodeID
}

func (n *Node) ID() NodeID          { return n.id }
func (n *Node) Name() *name.Name    { return n.name }
func (n *Node) Type() name.FileType { return n.fileType }
func (n *Node) Entry() Entry        { return n.entry }
func (n *Node) Parent() NodeID      { return n.parent }
func (n *Node) Synthesized() bool   { return n.entry == nil }
func (n *Node) ChildIDs() []NodeID  { return n.children }

// Size returns the entry size, 0 for folders and synthesized nodes.
func (n *Node) Size() int64 {
	if n.entry == nil || n.fileType != name.File {
		return 0
	}
	return n.entry.Size()
}

// ModTime returns the entry time, zero for synthesized nodes.
func (n *Node) ModTime() time.Time {
	if n.entry == nil {
		return time.Time{}
	}
	return n.entry.ModTime()
}

// Index is the immutable tree built from a container. Lookups are by name
// key; child order is encounter order and carries no meaning.
type Index struct {
	nodes []Node
	byKey map[string]NodeID
}

// Root returns the root node.
func (x *Index) Root() *Node { return &x.nodes[0] }

// Len returns the number of nodes, root included.
func (x *Index) Len() int { return len(x.nodes) }

// Node returns the node with the given id.
func (x *Index) Node(id NodeID) *Node { return &x.nodes[id] }

// Lookup finds the node for n.
func (x *Index) Lookup(n *name.Name) (*Node, bool) {
	id, ok := x.byKey[n.Key()]
	if !ok {
		return nil, false
	}
	return &x.nodes[id], true
}

// Children returns the child nodes of node.
func (x *Index) Children(node *Node) []*Node {
	out := make([]*Node, len(node.children))
	for i, id := range node.children {
		out[i] = &x.nodes[id]
	}
	return out
}

// ChildNames returns the base names of the children of node.
func (x *Index) ChildNames(node *Node) []string {
	out := make([]string, len(node.children))
	for i, id := range node.children {
		out[i] = x.nodes[id].name.BaseName()
	}
	return out
}

// Walk visits every node depth first, parents before children. A non-nil
// error from fn stops the walk and is returned.
func (x *Index) Walk(fn func(*Node) error) error {
	return x.walk(0, fn)
}

func (x *Index) walk(id NodeID, fn func(*Node) error) error {
	node := &x.nodes[id]
	if err := fn(node); err != nil {
		return err
	}
	for _, child := range node.children {
		if err := x.walk(child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns every node keyed by its path.
func (x *Index) Flatten() map[string]*Node {
	out := make(map[string]*Node, len(x.nodes))
	for i := range x.nodes {
		out[x.nodes[i].name.Path()] = &x.nodes[i]
	}
	return out
}

// Build indexes every entry of en below root in a single pass and closes en.
// On failure the partial tree is discarded and the error carries
// open-container-error.
func Build(root *name.Name, en Enumerator) (idx *Index, err error) {
	subject := root.FriendlyURI()
	defer func() {
		if cerr := en.Close(); cerr != nil && err == nil {
			idx, err = nil, vfserr.Wrap(vfserr.CodeCloseContainer, subject, cerr)
		}
	}()

	b := newBuilder(root)
	for ordinal := 0; ; ordinal++ {
		e, err := en.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, vfserr.Wrap(vfserr.CodeOpenContainer, subject, err)
		}
		if err := b.add(e, ordinal); err != nil {
			return nil, vfserr.Wrap(vfserr.CodeOpenContainer, subject, err)
		}
	}
	return &Index{nodes: b.nodes, byKey: b.byKey}, nil
}

type builder struct {
	root  *name.Name
	nodes []Node
	byKey map[string]NodeID
}

func newBuilder(root *name.Name) *builder {
	b := &builder{
		root:  root.RootName(),
		byKey: make(map[string]NodeID),
	}
	b.create(b.root, name.Folder, nil, -1)
	return b
}

func (b *builder) create(n *name.Name, fileType name.FileType, e Entry, ordinal int) NodeID {
	id := NodeID(len(b.nodes))
	b.nodes = append(b.nodes, Node{
		id:       id,
		name:     n.WithType(fileType),
		fileType: fileType,
		entry:    e,
		ordinal:  ordinal,
		parent:   NoNode,
	})
	b.byKey[n.Key()] = id
	return id
}

func (b *builder) attach(parent, child NodeID) {
	b.nodes[child].parent = parent
	p := &b.nodes[parent]
	p.children = append(p.children, child)
	if p.fileType != name.Folder {
		p.fileType = name.Folder
		p.name = p.name.WithType(name.Folder)
	}
}

func (b *builder) add(e Entry, ordinal int) error {
	// entry paths are raw bytes; escape them so '%' survives resolution
	raw := strings.TrimLeft(e.Path(), "/")
	n, err := b.root.Resolve(name.Encode(raw), name.ScopeFileSystem)
	if err != nil {
		return err
	}

	fileType := name.File
	if e.IsDir() {
		fileType = name.Folder
	}

	if id, ok := b.byKey[n.Key()]; ok {
		node := &b.nodes[id]
		node.entry = e
		node.ordinal = ordinal
		switch {
		case fileType == name.Folder && node.fileType != name.Folder:
			node.fileType = name.Folder
			node.name = node.name.WithType(name.Folder)
		case fileType == name.File && len(node.children) == 0 && id != 0:
			node.fileType = name.File
			node.name = node.name.WithType(name.File)
		}
		return nil
	}

	child := b.create(n, fileType, e, ordinal)
	for parent := n.Parent(); parent != nil; parent = parent.Parent() {
		if pid, ok := b.byKey[parent.Key()]; ok {
			b.attach(pid, child)
			return nil
		}
		pid := b.create(parent, name.Folder, nil, -1)
		b.attach(pid, child)
		child = pid
	}
	return nil
}
