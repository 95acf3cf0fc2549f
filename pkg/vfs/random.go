package vfs

import (
	"io"
	"sync"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// RandomAccess reads a file at arbitrary positions. It implements
// io.ReadSeekCloser and io.ReaderAt; Read and Seek share one position and
// must not be used concurrently, ReadAt may.
type RandomAccess struct {
	r   ReaderAt
	f   *File
	pos int64

	closeOnce sync.Once
	closeErr  error
}

var _ interface {
	io.ReadSeekCloser
	io.ReaderAt
} = (*RandomAccess)(nil)

// Length returns the content length.
func (ra *RandomAccess) Length() int64 { return ra.r.Size() }

// Position returns the offset of the next Read.
func (ra *RandomAccess) Position() int64 { return ra.pos }

func (ra *RandomAccess) invalidPosition(pos int64) error {
	return vfserr.Newf(vfserr.CodeRandomAccessInvalidPosition, "%s at %d", ra.f.name.FriendlyURI(), pos)
}

// Seek sets the position. Positions before the start of the file fail
// with random-access-invalid-position; positions past the end are allowed
// and read as EOF.
func (ra *RandomAccess) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = ra.pos + offset
	case io.SeekEnd:
		pos = ra.r.Size() + offset
	default:
		return ra.pos, ra.invalidPosition(offset)
	}
	if pos < 0 {
		return ra.pos, ra.invalidPosition(pos)
	}
	ra.pos = pos
	return pos, nil
}

func (ra *RandomAccess) Read(p []byte) (int, error) {
	if ra.pos >= ra.r.Size() {
		return 0, io.EOF
	}
	n, err := ra.r.ReadAt(p, ra.pos)
	ra.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (ra *RandomAccess) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ra.invalidPosition(off)
	}
	return ra.r.ReadAt(p, off)
}

func (ra *RandomAccess) Close() error {
	ra.closeOnce.Do(func() {
		ra.f.open.Add(-1)
		ra.closeErr = ra.r.Close()
	})
	return ra.closeErr
}
