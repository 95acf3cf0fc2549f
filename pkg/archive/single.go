package archive

import (
	"context"
	"io"
	"time"
)

// Single reads a lone compressed file (.gz, .bz2, .zst) as a container
// holding exactly one entry called EntryName.
type Single struct {
	Compression Compression
	EntryName   string
	ModTime     time.Time
}

func (s Single) Name() string {
	switch s.Compression {
	case Gzip:
		return "gz"
	case Bzip2:
		return "bz2"
	case Zstd:
		return "zst"
	}
	return "raw"
}

func (s Single) Open(ctx context.Context, src Source) (Enumerator, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := s.Compression.Reader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &singleEnumerator{
		entry:  entry{path: s.EntryName, size: -1, modTime: s.ModTime},
		r:      zr,
		closer: multiCloser{zr, rc},
	}, nil
}

type singleEnumerator struct {
	entry  entry
	r      io.Reader
	closer io.Closer
	done   bool
}

func (e *singleEnumerator) Next() (Entry, error) {
	if e.done {
		return nil, io.EOF
	}
	e.done = true
	return e.entry, nil
}

func (e *singleEnumerator) Read(p []byte) (int, error) { return e.r.Read(p) }

func (e *singleEnumerator) Close() error { return e.closer.Close() }
