package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/internal/backend/ram"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

func newRoot(t *testing.T) *vfs.File {
	t.Helper()
	m := vfs.NewManager()
	m.AddProvider(ram.Scheme, ram.Provider{})
	t.Cleanup(func() { m.Close() })
	root, err := m.Resolve(context.Background(), "ram:///share")
	require.NoError(t, err)
	require.NoError(t, root.MakeDir(context.Background()))
	return root
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPutGet(t *testing.T) {
	h := NewHandler(newRoot(t), "/dav", nil)

	rec := do(t, h, http.MethodPut, "/dav/notes/today.txt", "hello webdav", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = do(t, h, http.MethodGet, "/dav/notes/today.txt", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello webdav", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/dav/notes/today.txt", "", map[string]string{"Range": "bytes=6-11"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "webdav", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/dav/missing.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPropfindListsChildren(t *testing.T) {
	h := NewHandler(newRoot(t), "/dav", nil)
	require.Equal(t, http.StatusCreated, do(t, h, "MKCOL", "/dav/docs", "", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/dav/docs/a.txt", "a", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/dav/docs/b.txt", "bb", nil).Code)

	rec := do(t, h, "PROPFIND", "/dav/docs/", "", map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "/dav/docs/a.txt")
	assert.Contains(t, body, "/dav/docs/b.txt")
	assert.Contains(t, body, "getcontentlength>2</")
}

func TestMkcolExisting(t *testing.T) {
	h := NewHandler(newRoot(t), "/dav", nil)
	require.Equal(t, http.StatusCreated, do(t, h, "MKCOL", "/dav/docs", "", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, "MKCOL", "/dav/docs", "", nil).Code)
}

func TestMoveAndDelete(t *testing.T) {
	root := newRoot(t)
	h := NewHandler(root, "/dav", nil)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/dav/old.txt", "content", nil).Code)

	rec := do(t, h, "MOVE", "/dav/old.txt", "", map[string]string{"Destination": "http://example.com/dav/new.txt"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/dav/old.txt", "", nil).Code)
	assert.Equal(t, "content", do(t, h, http.MethodGet, "/dav/new.txt", "", nil).Body.String())

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/dav/tree/x/y.txt", "y", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/dav/tree", "", nil).Code)
	exists, err := root.Resolve(context.Background(), "tree", name.ScopeChild)
	require.NoError(t, err)
	ok, err := exists.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaddirPaging(t *testing.T) {
	ctx := context.Background()
	fs := &FS{Root: newRoot(t)}
	for _, n := range []string{"/a", "/b", "/c"} {
		f, err := fs.OpenFile(ctx, n, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	d, err := fs.OpenFile(ctx, "/", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer d.Close()

	first, err := d.Readdir(2)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	rest, err := d.Readdir(2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	_, err = d.Readdir(2)
	assert.Equal(t, io.EOF, err)
}

func TestSeekAndRead(t *testing.T) {
	ctx := context.Background()
	fs := &FS{Root: newRoot(t)}
	w, err := fs.OpenFile(ctx, "/f.txt", os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = io.WriteString(w, "0123456789")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.OpenFile(ctx, "/f.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer r.Close()

	end, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), end)

	_, err = r.Seek(7, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf))

	_, err = r.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "234", string(buf))

	_, err = fs.Stat(ctx, "/nothing")
	assert.True(t, os.IsNotExist(err))
}
