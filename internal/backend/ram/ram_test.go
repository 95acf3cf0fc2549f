package ram

import (
	"context"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

func newBackend(t *testing.T) (*Backend, *name.Name) {
	t.Helper()
	root, err := name.LocalParser{Scheme: Scheme}.Parse(nil, "ram:///")
	require.NoError(t, err)
	return New(root), root
}

func object(t *testing.T, b *Backend, root *name.Name, path string) vfs.Object {
	t.Helper()
	n, err := root.Resolve(path, name.ScopeFileSystem)
	require.NoError(t, err)
	o, err := b.Materialize(context.Background(), n)
	require.NoError(t, err)
	return o
}

func write(t *testing.T, o vfs.Object, content string) {
	t.Helper()
	w, err := o.(vfs.WritableObject).Create(context.Background())
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func read(t *testing.T, o vfs.Object) string {
	t.Helper()
	rc, err := o.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestWriteCreatesParents(t *testing.T) {
	ctx := context.Background()
	b, root := newBackend(t)

	f := object(t, b, root, "/a/b/c.txt")
	st, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.Imaginary, st.Type)

	write(t, f, "hello")
	st, err = f.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.File, st.Type)
	assert.EqualValues(t, 5, st.Size)
	assert.Equal(t, "hello", read(t, f))

	st, err = object(t, b, root, "/a/b").Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.Folder, st.Type)

	names, err := object(t, b, root, "/a").List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestAppend(t *testing.T) {
	b, root := newBackend(t)
	f := object(t, b, root, "/log")
	write(t, f, "one ")

	w, err := f.(vfs.AppendableObject).Append(context.Background())
	require.NoError(t, err)
	io.WriteString(w, "two")
	require.NoError(t, w.Close())
	assert.Equal(t, "one two", read(t, f))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	b, root := newBackend(t)
	write(t, object(t, b, root, "/d/f"), "x")

	dir := object(t, b, root, "/d").(vfs.DeletableObject)
	assert.ErrorIs(t, dir.Delete(ctx), ErrNotEmpty)

	require.NoError(t, object(t, b, root, "/d/f").(vfs.DeletableObject).Delete(ctx))
	require.NoError(t, dir.Delete(ctx))
	require.NoError(t, dir.Delete(ctx), "deleting a missing file")

	names, err := object(t, b, root, "/").List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRenameMovesSubtree(t *testing.T) {
	ctx := context.Background()
	b, root := newBackend(t)
	write(t, object(t, b, root, "/src/x/1.txt"), "one")
	write(t, object(t, b, root, "/src/2.txt"), "two")

	dest, err := root.Resolve("/dst/moved", name.ScopeFileSystem)
	require.NoError(t, err)
	require.NoError(t, object(t, b, root, "/src").(vfs.RenamableObject).Rename(ctx, dest))

	assert.Equal(t, "one", read(t, object(t, b, root, "/dst/moved/x/1.txt")))
	assert.Equal(t, "two", read(t, object(t, b, root, "/dst/moved/2.txt")))

	st, err := object(t, b, root, "/src").Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.Imaginary, st.Type)

	names, err := object(t, b, root, "/").List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst"}, names)

	into, err := root.Resolve("/dst/moved/x/inner", name.ScopeFileSystem)
	require.NoError(t, err)
	assert.Error(t, object(t, b, root, "/dst/moved").(vfs.RenamableObject).Rename(ctx, into))
}

func TestRenameOntoExisting(t *testing.T) {
	b, root := newBackend(t)
	write(t, object(t, b, root, "/a"), "a")
	write(t, object(t, b, root, "/b"), "b")

	dest, err := root.Resolve("/b", name.ScopeFileSystem)
	require.NoError(t, err)
	err = object(t, b, root, "/a").(vfs.RenamableObject).Rename(context.Background(), dest)
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestWriteOverFolderFails(t *testing.T) {
	b, root := newBackend(t)
	require.NoError(t, object(t, b, root, "/dir").(vfs.FolderObject).MakeDir(context.Background()))

	_, err := object(t, b, root, "/dir").(vfs.WritableObject).Create(context.Background())
	assert.Error(t, err)
}

func TestMakeDirUnderFileFails(t *testing.T) {
	b, root := newBackend(t)
	write(t, object(t, b, root, "/file"), "x")

	err := object(t, b, root, "/file/sub").(vfs.FolderObject).MakeDir(context.Background())
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestSetModTime(t *testing.T) {
	ctx := context.Background()
	b, root := newBackend(t)
	f := object(t, b, root, "/f")
	write(t, f, "x")

	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, f.(vfs.ModTimeObject).SetModTime(ctx, when))
	st, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.True(t, st.ModTime.Equal(when))
}

func TestReaderAt(t *testing.T) {
	b, root := newBackend(t)
	f := object(t, b, root, "/f")
	write(t, f, "0123456789")

	r, err := f.(vfs.RandomAccessObject).OpenReaderAt(context.Background())
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, 10, r.Size())
	buf := make([]byte, 3)
	_, err = r.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))
}

func TestCloseDropsTree(t *testing.T) {
	ctx := context.Background()
	b, root := newBackend(t)
	write(t, object(t, b, root, "/f"), "x")
	require.NoError(t, b.Close())

	st, err := object(t, b, root, "/f").Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.Imaginary, st.Type)

	// the tree is usable again after a write
	write(t, object(t, b, root, "/g"), "y")
	assert.Equal(t, "y", read(t, object(t, b, root, "/g")))
}
