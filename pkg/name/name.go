// Package name implements the virtual naming engine: scheme extraction, path
// normalisation, percent encoding and the immutable Name value with its
// scheme specific parsers.
package name

import (
	"strings"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Name is an immutable, normalised virtual file name. The path is absolute,
// '/'-separated, free of "." and ".." elements and percent-decoded.
type Name struct {
	root     Root
	path     string
	fileType FileType
	query    string
	key      string
}

// New creates a name below root. path must already be normalised; an empty
// path denotes the root.
func New(root Root, path string, fileType FileType) *Name {
	return newName(root, path, fileType, "")
}

func newName(root Root, path string, fileType FileType, query string) *Name {
	if path == "" {
		path = "/"
	}
	if len(path) > 1 && path[len(path)-1] == Separator {
		path = path[:len(path)-1]
	}
	n := &Name{root: root, path: path, fileType: fileType, query: query}
	n.key = n.render(credentialsNone)
	return n
}

func (n *Name) Root() Root          { return n.root }
func (n *Name) Scheme() string      { return n.root.Scheme() }
func (n *Name) Path() string        { return n.path }
func (n *Name) Type() FileType      { return n.fileType }
func (n *Name) QueryString() string { return n.query }

// Key identifies the name for equality and caching. Credentials are left out.
func (n *Name) Key() string { return n.key }

// Equal reports whether both names address the same location.
func (n *Name) Equal(other *Name) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.key == other.key
}

// RootURI returns the URI of the file system root, ending in a separator.
func (n *Name) RootURI() string {
	return renderRoot(n.root, credentialsFull) + "/"
}

// URI returns the full URI including credentials.
func (n *Name) URI() string { return n.render(credentialsFull) }

// FriendlyURI returns the URI with the password masked.
func (n *Name) FriendlyURI() string { return n.render(credentialsMasked) }

func (n *Name) String() string { return n.FriendlyURI() }

func (n *Name) render(mode credentialMode) string {
	var b strings.Builder
	n.root.appendURI(&b, mode)
	b.WriteString(Encode(n.path, pathReserved(n.root)...))
	if n.query != "" {
		b.WriteByte('?')
		b.WriteString(n.query)
	}
	return b.String()
}

// Outer returns the outer file name of a layered name, or nil.
func (n *Name) Outer() *Name {
	if r, ok := n.root.(*LayeredRoot); ok {
		return r.outer
	}
	return nil
}

// IsRoot reports whether the name is the root of its file system.
func (n *Name) IsRoot() bool { return n.path == "/" }

// BaseName returns the last element of the path, "" for the root.
func (n *Name) BaseName() string {
	return n.path[strings.LastIndexByte(n.path, Separator)+1:]
}

// Extension returns the text after the last '.' of the base name. Names that
// start with their only dot (".bashrc") or end in a dot have none.
func (n *Name) Extension() string {
	base := n.BaseName()
	pos := strings.LastIndexByte(base, '.')
	if pos < 1 || pos == len(base)-1 {
		return ""
	}
	return base[pos+1:]
}

// Depth returns the number of elements in the path.
func (n *Name) Depth() int {
	if n.path == "/" {
		return 0
	}
	return strings.Count(n.path, "/")
}

// Parent returns the parent name, or nil at the root.
func (n *Name) Parent() *Name {
	if n.path == "/" {
		return nil
	}
	idx := strings.LastIndexByte(n.path, Separator)
	if idx <= 0 {
		return n.CreateName("/", Folder)
	}
	return n.CreateName(n.path[:idx], Folder)
}

// CreateName returns a name on the same root with the given normalised
// absolute path.
func (n *Name) CreateName(absPath string, fileType FileType) *Name {
	return newName(n.root, absPath, fileType, "")
}

// Child returns the immediate child called base.
func (n *Name) Child(base string, fileType FileType) *Name {
	if n.path == "/" {
		return n.CreateName("/"+base, fileType)
	}
	return n.CreateName(n.path+"/"+base, fileType)
}

// WithType returns a copy of n carrying fileType.
func (n *Name) WithType(fileType FileType) *Name {
	if n.fileType == fileType {
		return n
	}
	return newName(n.root, n.path, fileType, n.query)
}

// SameRoot reports whether both names live on the same file system root.
func (n *Name) SameRoot(other *Name) bool {
	return renderRoot(n.root, credentialsNone) == renderRoot(other.root, credentialsNone)
}

// RootName returns the name of the file system root.
func (n *Name) RootName() *Name {
	if n.path == "/" && n.query == "" {
		return n.WithType(Folder)
	}
	return newName(n.root, "/", Folder, "")
}

// IsAncestor reports whether ancestor is a strict ancestor of n.
func (n *Name) IsAncestor(ancestor *Name) bool {
	if !n.SameRoot(ancestor) {
		return false
	}
	return CheckName(ancestor.path, n.path, ScopeDescendent)
}

// IsDescendent reports whether descendent lies within scope of n.
func (n *Name) IsDescendent(descendent *Name, scope Scope) bool {
	if !n.SameRoot(descendent) {
		return false
	}
	return CheckName(n.path, descendent.path, scope)
}

// RelativeName converts other into a path relative to n, such as ".", "a/b"
// or "../x".
func (n *Name) RelativeName(other *Name) string {
	base := n.path
	path := other.path
	baseLen := len(base)
	pathLen := len(path)

	if baseLen == 1 && pathLen == 1 {
		return "."
	}
	if baseLen == 1 {
		return path[1:]
	}

	maxlen := min(baseLen, pathLen)
	pos := 0
	for pos < maxlen && base[pos] == path[pos] {
		pos++
	}

	if pos == baseLen && pos == pathLen {
		return "."
	}
	if pos == baseLen && pos < pathLen && path[pos] == Separator {
		return path[pos+1:]
	}

	var suffix string
	if pathLen > 1 && (pos < pathLen || base[pos] != Separator) {
		// not a direct ancestor, back up to the last common separator
		pos = strings.LastIndexByte(base[:pos+min(1, baseLen-pos)], Separator)
		suffix = path[pos:]
	}

	var b strings.Builder
	for next := indexFrom(base, pos+1); next != -1; next = indexFrom(base, next+1) {
		b.WriteString("../")
	}
	b.WriteString("..")
	b.WriteString(suffix)
	return b.String()
}

func indexFrom(s string, from int) int {
	if from >= len(s) {
		return -1
	}
	idx := strings.IndexByte(s[from:], Separator)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// Resolve resolves path against n. Relative paths are appended to n's path;
// absolute paths replace it. The result must lie within scope.
func (n *Name) Resolve(path string, scope Scope) (*Name, error) {
	canonical, err := CanonicalizePath(FixSeparators(path), nil)
	if err != nil {
		return nil, err
	}

	if scope == ScopeChild && hasDotDot(canonical) {
		return nil, vfserr.New(vfserr.CodeInvalidChildName, path)
	}

	if canonical == "" || canonical[0] != Separator {
		canonical = n.path + "/" + canonical
	}

	normalised, fileType, err := NormalisePath(canonical)
	if err != nil {
		return nil, err
	}
	resolved, err := Decode(normalised)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		resolved = "/"
	}

	if !CheckName(n.path, resolved, scope) {
		if scope == ScopeChild {
			return nil, vfserr.New(vfserr.CodeInvalidChildName, path)
		}
		return nil, vfserr.New(vfserr.CodeInvalidDescendentName, path)
	}
	return n.CreateName(resolved, fileType), nil
}

func hasDotDot(path string) bool {
	for _, elem := range strings.Split(decodeSeparators(path), "/") {
		if elem == ".." {
			return true
		}
	}
	return false
}
