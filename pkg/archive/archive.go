// Package archive turns the flat, sequential entry stream of a container
// (tar, zip or a single compressed file) into an immutable directory tree
// addressed by virtual names, and serves entry content by re-scanning the
// container.
package archive

import (
	"context"
	"io"
	"time"
)

// Entry is one raw record of a container.
type Entry interface {
	// Path is the container relative path as stored in the container.
	Path() string
	IsDir() bool
	// Size is the uncompressed length, or -1 when the container does not
	// record it.
	Size() int64
	ModTime() time.Time
}

// Enumerator yields the entries of a container in container order. Next
// returns io.EOF after the last entry. Read reads the content of the entry
// most recently returned by Next.
type Enumerator interface {
	Next() (Entry, error)
	Read(p []byte) (int, error)
	Close() error
}

// Format opens an enumerator over the container bytes supplied by src.
type Format interface {
	Name() string
	Open(ctx context.Context, src Source) (Enumerator, error)
}

type entry struct {
	path    string
	dir     bool
	size    int64
	modTime time.Time
}

func (e entry) Path() string       { return e.path }
func (e entry) IsDir() bool        { return e.dir }
func (e entry) Size() int64        { return e.size }
func (e entry) ModTime() time.Time { return e.modTime }

// entryReader streams one entry and closes the enumerator it came from.
type entryReader struct {
	en Enumerator
}

func (r *entryReader) Read(p []byte) (int, error) { return r.en.Read(p) }
func (r *entryReader) Close() error               { return r.en.Close() }

var _ io.ReadCloser = (*entryReader)(nil)
