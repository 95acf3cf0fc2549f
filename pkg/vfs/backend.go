package vfs

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
)

// Backend is one mounted file system: a protocol adapter rooted at a name.
type Backend interface {
	// Root returns the root name of the file system.
	Root() *name.Name
	// Materialize returns the object backing n. It must not fail because
	// the file does not exist: missing files stat as name.Imaginary.
	Materialize(ctx context.Context, n *name.Name) (Object, error)
	Capabilities() Capabilities
	// Close releases the backend. It is called once, when the file system
	// is shut down.
	Close() error
}

// Provider creates backends for one scheme.
type Provider interface {
	// Parser returns the parser for the provider's URIs. uris parses the
	// outer URI of layered names.
	Parser(uris name.URIParser) name.Parser
	// NewBackend mounts the file system rooted at root. outer is the file a
	// layered file system is built on, nil otherwise.
	NewBackend(ctx context.Context, root *name.Name, outer *File) (Backend, error)
}

// Stat is the state of an object at one point in time.
type Stat struct {
	Type    name.FileType
	Size    int64
	ModTime time.Time
}

// Object is a file as seen by its backend.
type Object interface {
	Stat(ctx context.Context) (Stat, error)
	// List returns the base names of the children of a folder.
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ReaderAt is random read access to the content of an object.
type ReaderAt interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// The optional object interfaces below back the capabilities of the same
// name. File checks both the capability and the interface.

type RandomAccessObject interface {
	OpenReaderAt(ctx context.Context) (ReaderAt, error)
}

type WritableObject interface {
	Create(ctx context.Context) (io.WriteCloser, error)
}

type AppendableObject interface {
	Append(ctx context.Context) (io.WriteCloser, error)
}

type FolderObject interface {
	MakeDir(ctx context.Context) error
}

type DeletableObject interface {
	Delete(ctx context.Context) error
}

type RenamableObject interface {
	Rename(ctx context.Context, to *name.Name) error
}

type ModTimeObject interface {
	SetModTime(ctx context.Context, t time.Time) error
}

// LocalObject is implemented by objects stored in the local file system.
type LocalObject interface {
	LocalPath() string
}
