package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"
)

// Zip reads zip containers. Sources that are not ReaderAtSource are buffered
// in memory first.
type Zip struct {
	// FormatName overrides Name, e.g. "jar".
	FormatName string
}

func (z Zip) Name() string {
	if z.FormatName != "" {
		return z.FormatName
	}
	return "zip"
}

func (z Zip) Open(ctx context.Context, src Source) (Enumerator, error) {
	ra, size, err := openReaderAt(ctx, src)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		ra.Close()
		return nil, fmt.Errorf("zip: %w", err)
	}
	return &zipEnumerator{zr: zr, closer: ra}, nil
}

type zipEnumerator struct {
	zr     *zip.Reader
	closer io.Closer
	pos    int
	cur    *zip.File
	rc     io.ReadCloser
}

func (e *zipEnumerator) Next() (Entry, error) {
	if err := e.closeCurrent(); err != nil {
		return nil, err
	}
	if e.pos >= len(e.zr.File) {
		return nil, io.EOF
	}
	f := e.zr.File[e.pos]
	e.pos++
	e.cur = f
	return entry{
		path:    f.Name,
		dir:     strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir(),
		size:    int64(f.UncompressedSize64),
		modTime: f.Modified,
	}, nil
}

func (e *zipEnumerator) Read(p []byte) (int, error) {
	if e.cur == nil {
		return 0, io.EOF
	}
	if e.rc == nil {
		rc, err := e.cur.Open()
		if err != nil {
			return 0, err
		}
		e.rc = rc
	}
	return e.rc.Read(p)
}

func (e *zipEnumerator) closeCurrent() error {
	if e.rc == nil {
		return nil
	}
	err := e.rc.Close()
	e.rc = nil
	return err
}

func (e *zipEnumerator) Close() error {
	return multierr.Append(e.closeCurrent(), e.closer.Close())
}
