// Package api provides the vfsd HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/backend/virtual"
	"github.com/fruitsalade/vfs/internal/events"
	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Server is the vfsd HTTP server.
type Server struct {
	manager     *vfs.Manager
	broadcaster *events.Broadcaster
	webdav      http.Handler
}

// NewServer creates a server over m. webdav may be nil; otherwise it is
// mounted under /dav/.
func NewServer(m *vfs.Manager, broadcaster *events.Broadcaster, webdav http.Handler) *Server {
	return &Server{
		manager:     m,
		broadcaster: broadcaster,
		webdav:      webdav,
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// ListResponse is the body of a listing.
type ListResponse struct {
	Folder   vfs.Info   `json:"folder"`
	Children []vfs.Info `json:"children"`
}

// JunctionRequest adds a junction.
type JunctionRequest struct {
	Point  string `json:"point"`
	Target string `json:"target"`
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/content", s.handleContent)
	mux.HandleFunc("GET /api/v1/filesystems", s.handleFileSystems)

	mux.HandleFunc("GET /api/v1/junctions", s.handleJunctions)
	mux.HandleFunc("POST /api/v1/junctions", s.handleAddJunction)
	mux.HandleFunc("DELETE /api/v1/junctions", s.handleRemoveJunction)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("/api/v1/loglevel", logging.LevelHandler())

	if s.webdav != nil {
		mux.Handle("/dav/", s.webdav)
	}

	// metrics sits inside logging so it sees the request the mux matched.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ok",
		"schemes":     s.manager.Schemes(),
		"filesystems": len(s.manager.FileSystems()),
	})
}

// resolve resolves the uri query parameter.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*vfs.File, bool) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		s.sendError(w, r, http.StatusBadRequest, "uri required", "")
		return nil, false
	}
	f, err := s.manager.Resolve(r.Context(), uri)
	if err != nil {
		s.sendVFSError(w, r, err)
		return nil, false
	}
	return f, true
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	f, ok := s.resolve(w, r)
	if !ok {
		return
	}
	info, err := f.Info(r.Context())
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, ok := s.resolve(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	folder, err := f.Info(ctx)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	children, err := f.Children(ctx)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}

	resp := ListResponse{Folder: folder, Children: make([]vfs.Info, 0, len(children))}
	for _, c := range children {
		info, err := c.Info(ctx)
		if err != nil {
			s.sendVFSError(w, r, err)
			return
		}
		resp.Children = append(resp.Children, info)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	f, ok := s.resolve(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	st, err := f.Stat(ctx)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	switch st.Type {
	case name.Imaginary:
		s.sendVFSError(w, r, vfserr.New(vfserr.CodeNotFound, f.String()))
		return
	case name.Folder:
		s.sendVFSError(w, r, vfserr.New(vfserr.CodeReadNotFile, f.String()))
		return
	}

	base := f.Name().BaseName()
	if ct := mime.TypeByExtension(path.Ext(base)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// ServeContent sniffs the type when the extension is unknown.
	cw := &countingWriter{ResponseWriter: w}
	defer func() { metrics.RecordContentServed(cw.n) }()

	if f.Capabilities().Has(vfs.CapRandomAccessRead) {
		ra, err := f.OpenRandom(ctx)
		if err == nil {
			defer ra.Close()
			http.ServeContent(cw, r, base, st.ModTime, ra)
			return
		}
		if !vfserr.Has(err, vfserr.CodeMissingCapability) {
			s.sendVFSError(w, r, err)
			return
		}
	}

	rc, err := f.Open(ctx)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	defer rc.Close()
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if st.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size, 10))
	}
	if !st.ModTime.IsZero() {
		w.Header().Set("Last-Modified", st.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(cw, rc); err != nil {
		logging.WithContext(ctx).Warn("content copy failed", logging.URI(f.String()), logging.Err(err))
	}
}

func (s *Server) handleFileSystems(w http.ResponseWriter, r *http.Request) {
	roots := s.manager.FileSystems()
	uris := make([]string, 0, len(roots))
	for _, root := range roots {
		uris = append(uris, root.FriendlyURI())
	}
	writeJSON(w, r, http.StatusOK, map[string][]string{"filesystems": uris})
}

func (s *Server) virtualTree(w http.ResponseWriter, r *http.Request) (*virtual.Backend, bool) {
	b, err := virtual.Open(r.Context(), s.manager)
	if err != nil {
		s.sendVFSError(w, r, err)
		return nil, false
	}
	return b, true
}

func (s *Server) handleJunctions(w http.ResponseWriter, r *http.Request) {
	b, ok := s.virtualTree(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, map[string][]virtual.Junction{"junctions": b.Junctions()})
}

func (s *Server) handleAddJunction(w http.ResponseWriter, r *http.Request) {
	var req JunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Point == "" || req.Target == "" {
		s.sendError(w, r, http.StatusBadRequest, "point and target required", "")
		return
	}

	b, ok := s.virtualTree(w, r)
	if !ok {
		return
	}
	target, err := s.manager.Resolve(r.Context(), req.Target)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	if err := b.AddJunction(r.Context(), req.Point, target); err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	metrics.SetJunctions(len(b.Junctions()))

	writeJSON(w, r, http.StatusCreated, virtual.Junction{Point: req.Point, Target: target.String()})
}

func (s *Server) handleRemoveJunction(w http.ResponseWriter, r *http.Request) {
	point := r.URL.Query().Get("point")
	if point == "" {
		s.sendError(w, r, http.StatusBadRequest, "point required", "")
		return
	}
	b, ok := s.virtualTree(w, r)
	if !ok {
		return
	}
	removed, err := b.RemoveJunction(r.Context(), point)
	if err != nil {
		s.sendVFSError(w, r, err)
		return
	}
	if !removed {
		s.sendError(w, r, http.StatusNotFound, "no junction at "+point, "")
		return
	}
	metrics.SetJunctions(len(b.Junctions()))
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams events as server-sent events. The types parameter
// filters by a comma separated list of event types; replay=true sends the
// recent history first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	var types []vfs.EventType
	if t := r.URL.Query().Get("types"); t != "" {
		for _, v := range strings.Split(t, ",") {
			types = append(types, vfs.EventType(strings.TrimSpace(v)))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Subscribe(types...)
	defer s.broadcaster.Unsubscribe(sub)

	if r.URL.Query().Get("replay") == "true" {
		for _, e := range s.broadcaster.Recent() {
			if len(types) == 0 || containsType(types, e.Type) {
				events.WriteSSE(w, e)
			}
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func containsType(types []vfs.EventType, t vfs.EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// StatusOf maps an error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, virtual.ErrNoJunction):
		return http.StatusConflict
	case errors.Is(err, virtual.ErrTargetInTree):
		return http.StatusBadRequest
	}
	switch code := vfserr.CodeOf(err); code {
	case vfserr.CodeNotFound:
		return http.StatusNotFound
	case vfserr.CodeUnknownScheme:
		return http.StatusBadRequest
	case vfserr.CodeReadNotFile, vfserr.CodeNoContent, vfserr.CodeListNotFolder, vfserr.CodeNestedJunction:
		return http.StatusConflict
	case vfserr.CodeRandomAccessInvalidPosition:
		return http.StatusRequestedRangeNotSatisfiable
	case vfserr.CodeMissingCapability:
		return http.StatusNotImplemented
	default:
		switch code.Kind() {
		case vfserr.KindParse:
			return http.StatusBadRequest
		case vfserr.KindContainer:
			return http.StatusUnprocessableEntity
		case vfserr.KindBackend:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) sendVFSError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), logging.Err(err))
	}
	s.sendError(w, r, status, err.Error(), string(vfserr.CodeOf(err)))
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:  message,
		Code:   code,
		Reason: reason,
	})
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(v)
		return
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// countingWriter counts body bytes for the content metric.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
