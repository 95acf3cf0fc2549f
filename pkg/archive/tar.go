package archive

import (
	"archive/tar"
	"context"
	"io"
)

// Tar reads tar containers, optionally wrapped in a stream codec.
type Tar struct {
	Compression Compression
}

func (t Tar) Name() string {
	switch t.Compression {
	case Gzip:
		return "tgz"
	case Bzip2:
		return "tbz2"
	case Zstd:
		return "tzst"
	}
	return "tar"
}

func (t Tar) Open(ctx context.Context, src Source) (Enumerator, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := t.Compression.Reader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &tarEnumerator{
		tr:     tar.NewReader(zr),
		closer: multiCloser{zr, rc},
	}, nil
}

type tarEnumerator struct {
	tr     *tar.Reader
	closer io.Closer
}

// Next skips links, devices and extended headers; only regular files and
// directories become entries.
func (e *tarEnumerator) Next() (Entry, error) {
	for {
		hdr, err := e.tr.Next()
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return entry{path: hdr.Name, dir: true, modTime: hdr.ModTime}, nil
		case tar.TypeReg:
			return entry{path: hdr.Name, size: hdr.Size, modTime: hdr.ModTime}, nil
		}
	}
}

func (e *tarEnumerator) Read(p []byte) (int, error) { return e.tr.Read(p) }

func (e *tarEnumerator) Close() error { return e.closer.Close() }
