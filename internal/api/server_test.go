package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/vfs/internal/backend/ram"
	"github.com/fruitsalade/vfs/internal/backend/virtual"
	"github.com/fruitsalade/vfs/internal/events"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

type testEnv struct {
	manager     *vfs.Manager
	broadcaster *events.Broadcaster
	handler     http.Handler
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	b := events.NewBroadcaster()
	m := vfs.NewManager(vfs.WithListener(b.Listen))
	m.AddProvider(ram.Scheme, ram.Provider{})
	virtual.Register(m, nil)
	t.Cleanup(func() { m.Close() })

	return &testEnv{
		manager:     m,
		broadcaster: b,
		handler:     NewServer(m, b, nil).Handler(),
	}
}

func (e *testEnv) write(t *testing.T, uri, content string) {
	t.Helper()
	f, err := e.manager.Resolve(context.Background(), uri)
	if err != nil {
		t.Fatalf("resolve %s: %v", uri, err)
	}
	w, err := f.Create(context.Background())
	if err != nil {
		t.Fatalf("create %s: %v", uri, err)
	}
	io.WriteString(w, content)
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", uri, err)
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, endpoint, uri string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodGet, endpoint+"?uri="+url.QueryEscape(uri), nil, nil)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestResolve(t *testing.T) {
	env := newEnv(t)
	env.write(t, "ram:///docs/readme.txt", "hello")

	rec := env.get(t, "/api/v1/resolve", "ram:///docs/readme.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var info vfs.Info
	decode(t, rec, &info)
	if info.Type != "file" || info.Name != "readme.txt" || info.Scheme != "ram" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.Size == nil || *info.Size != 5 {
		t.Errorf("expected size 5, got %v", info.Size)
	}

	rec = env.get(t, "/api/v1/resolve", "ram:///docs/missing.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("imaginary files resolve: got %d", rec.Code)
	}
	decode(t, rec, &info)
	if info.Type != "imaginary" {
		t.Errorf("expected imaginary, got %s", info.Type)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/resolve", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing uri: expected 400, got %d", rec.Code)
	}
}

func TestList(t *testing.T) {
	env := newEnv(t)
	env.write(t, "ram:///docs/b.txt", "b")
	env.write(t, "ram:///docs/a.txt", "a")

	rec := env.get(t, "/api/v1/list", "ram:///docs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var list ListResponse
	decode(t, rec, &list)
	if len(list.Children) != 2 || list.Children[0].Name != "a.txt" || list.Children[1].Name != "b.txt" {
		t.Errorf("unexpected children %+v", list.Children)
	}

	rec = env.get(t, "/api/v1/list", "ram:///docs/a.txt")
	if rec.Code != http.StatusConflict {
		t.Fatalf("listing a file: expected 409, got %d", rec.Code)
	}
	var e ErrorResponse
	decode(t, rec, &e)
	if e.Reason != string(vfserr.CodeListNotFolder) {
		t.Errorf("expected reason %s, got %s", vfserr.CodeListNotFolder, e.Reason)
	}
}

func TestListGzip(t *testing.T) {
	env := newEnv(t)
	env.write(t, "ram:///docs/a.txt", "a")

	rec := env.do(t, http.MethodGet, "/api/v1/list?uri="+url.QueryEscape("ram:///docs"), nil,
		http.Header{"Accept-Encoding": {"gzip"}})
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var list ListResponse
	if err := json.NewDecoder(gr).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Children) != 1 {
		t.Errorf("expected 1 child, got %d", len(list.Children))
	}
}

func TestContent(t *testing.T) {
	env := newEnv(t)
	env.write(t, "ram:///docs/digits.txt", "0123456789")

	rec := env.get(t, "/api/v1/content", "ram:///docs/digits.txt")
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/content?uri="+url.QueryEscape("ram:///docs/digits.txt"), nil,
		http.Header{"Range": {"bytes=2-4"}})
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Errorf("range: got %d %q", rec.Code, rec.Body.String())
	}

	if rec := env.get(t, "/api/v1/content", "ram:///docs/none.txt"); rec.Code != http.StatusNotFound {
		t.Errorf("missing file: expected 404, got %d", rec.Code)
	}
	if rec := env.get(t, "/api/v1/content", "ram:///docs"); rec.Code != http.StatusConflict {
		t.Errorf("folder: expected 409, got %d", rec.Code)
	}
}

func TestJunctions(t *testing.T) {
	env := newEnv(t)
	env.write(t, "ram:///data/report.txt", "report")
	sub := env.broadcaster.Subscribe(vfs.EventJunctionAdd, vfs.EventJunctionRemove)
	defer env.broadcaster.Unsubscribe(sub)

	body := strings.NewReader(`{"point":"/mnt/data","target":"ram:///data"}`)
	rec := env.do(t, http.MethodPost, "/api/v1/junctions", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = env.get(t, "/api/v1/content", "vfs:///mnt/data/report.txt")
	if rec.Code != http.StatusOK || rec.Body.String() != "report" {
		t.Errorf("content through junction: %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/junctions", nil, nil)
	var list map[string][]virtual.Junction
	decode(t, rec, &list)
	if len(list["junctions"]) != 1 || list["junctions"][0].Point != "/mnt/data" {
		t.Errorf("unexpected junctions %+v", list)
	}

	body = strings.NewReader(`{"point":"/mnt/data/sub","target":"ram:///data"}`)
	if rec := env.do(t, http.MethodPost, "/api/v1/junctions", body, nil); rec.Code != http.StatusConflict {
		t.Errorf("nested junction: expected 409, got %d", rec.Code)
	}
	body = strings.NewReader(`{"point":"/loop","target":"vfs:///mnt"}`)
	if rec := env.do(t, http.MethodPost, "/api/v1/junctions", body, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("target in tree: expected 400, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/junctions?point=/mnt/data", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/junctions?point=/mnt/data", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("remove again: expected 404, got %d", rec.Code)
	}

	for _, want := range []vfs.EventType{vfs.EventJunctionAdd, vfs.EventJunctionRemove} {
		select {
		case e := <-sub.C:
			if e.Type != want || e.URI != "vfs:///mnt/data" {
				t.Errorf("expected %s for vfs:///mnt/data, got %+v", want, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEventsReplay(t *testing.T) {
	env := newEnv(t)
	env.broadcaster.Publish(vfs.Event{Type: vfs.EventFileSystemOpen, URI: "ram:///"})
	env.broadcaster.Publish(vfs.Event{Type: vfs.EventJunctionAdd, URI: "vfs:///m", Target: "ram:///"})

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?replay=true&types=junction-add", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatalf("no event: %v", scanner.Err())
	}
	if got := scanner.Text(); got != "event: junction-add" {
		t.Errorf("first line = %q", got)
	}
	if !scanner.Scan() || !strings.Contains(scanner.Text(), `"uri":"vfs:///m"`) {
		t.Errorf("data line = %q", scanner.Text())
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{vfserr.New(vfserr.CodeNotFound, "x"), http.StatusNotFound},
		{vfserr.New(vfserr.CodeInvalidEscapeSequence, "x"), http.StatusBadRequest},
		{vfserr.New(vfserr.CodeReadNotFile, "x"), http.StatusConflict},
		{vfserr.New(vfserr.CodeMissingCapability, "x"), http.StatusNotImplemented},
		{vfserr.New(vfserr.CodeRandomAccessInvalidPosition, "x"), http.StatusRequestedRangeNotSatisfiable},
		{vfserr.New(vfserr.CodeOpenContainer, "x"), http.StatusUnprocessableEntity},
		{vfserr.New(vfserr.CodeWriteFailed, "x"), http.StatusBadGateway},
		{fmt.Errorf("x: %w", virtual.ErrNoJunction), http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
