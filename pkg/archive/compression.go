package archive

import (
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// Compression is the stream codec wrapped around a container.
type Compression int

const (
	None Compression = iota
	Gzip
	Bzip2
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionForExtension maps a file extension (without the dot) to its codec.
func CompressionForExtension(ext string) (Compression, bool) {
	switch strings.ToLower(ext) {
	case "gz", "tgz":
		return Gzip, true
	case "bz2", "tbz2":
		return Bzip2, true
	case "zst", "tzst":
		return Zstd, true
	}
	return None, false
}

// Reader wraps r with the decompressor for c. Closing the result does not
// close r.
func (c Compression) Reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unknown compression %d", c)
}

// multiCloser closes every closer, innermost first.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error
	for _, c := range m {
		err = multierr.Append(err, c.Close())
	}
	return err
}
