package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// Source supplies the bytes of a container. Every Open starts a fresh stream
// from the beginning.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ReaderAtCloser is a random access view of a container.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// ReaderAtSource is a Source that can also be read at arbitrary offsets, as
// the zip format requires.
type ReaderAtSource interface {
	Source
	OpenReaderAt(ctx context.Context) (ReaderAtCloser, int64, error)
}

// FileSource reads a container from a local file.
type FileSource string

func (p FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(string(p))
}

func (p FileSource) OpenReaderAt(ctx context.Context) (ReaderAtCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(string(p))
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", p, err)
	}
	return f, st.Size(), nil
}

// BytesSource serves a container held in memory.
type BytesSource []byte

func (b BytesSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesSource) OpenReaderAt(ctx context.Context) (ReaderAtCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return nopReaderAt{bytes.NewReader(b)}, int64(len(b)), nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (io.ReadCloser, error)

func (f SourceFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

type nopReaderAt struct {
	io.ReaderAt
}

func (nopReaderAt) Close() error { return nil }

// openReaderAt returns a random access view of src, buffering the whole
// stream in memory when src cannot provide one.
func openReaderAt(ctx context.Context, src Source) (ReaderAtCloser, int64, error) {
	if ra, ok := src.(ReaderAtSource); ok {
		return ra.OpenReaderAt(ctx)
	}
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, fmt.Errorf("buffer container: %w", err)
	}
	return nopReaderAt{bytes.NewReader(data)}, int64(len(data)), nil
}
