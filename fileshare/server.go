// Package fileshare serves a sandboxed directory over HTTP: listings, ranged
// downloads, uploads, renames and deletes.
package fileshare

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"

	"github.com/rs/zerolog/hlog"

	"github.com/davidoram/bletool/sandbox"
)

// DefaultMaxUploadBytes caps a single upload request body.
const DefaultMaxUploadBytes int64 = 1 << 30

// Options configures a Server.
type Options struct {
	ChunkSize      int
	MaxUploadBytes int64
}

// Server is the HTTP surface of the file share.
type Server struct {
	root      *sandbox.Root
	responder *Responder
	maxUpload int64
}

// NewServer returns a Server sharing root.
func NewServer(root *sandbox.Root, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		root:      root,
		responder: &Responder{ChunkSize: opts.ChunkSize},
		maxUpload: opts.MaxUploadBytes,
	}
}

// Handler returns the routes of the file share.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/files/", http.StatusFound)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "ok", Message: "file server running"})
	})
	mux.HandleFunc("GET /files/{path...}", s.handleGet)
	mux.HandleFunc("POST /files/{path...}", s.handleUpload)
	mux.HandleFunc("DELETE /files/{path...}", s.handleDelete)
	mux.HandleFunc("POST /rename", s.handleRename)
	return mux
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Size    *int64 `json:"size,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps filesystem and sandbox errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, sandbox.ErrForbidden), errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrExist):
		return http.StatusConflict
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err as JSON. Sandbox escapes are logged without the
// requested path.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	l := hlog.FromRequest(r)
	msg := err.Error()
	switch code {
	case http.StatusForbidden:
		l.Warn().Str("op", op).Msg("forbidden")
		msg = "forbidden"
	case http.StatusInternalServerError:
		l.Error().Err(err).Str("op", op).Msg("file operation failed")
	default:
		l.Info().Err(err).Str("op", op).Int("status", code).Msg("file operation rejected")
	}
	writeJSON(w, code, response{Status: "error", Message: fmt.Sprintf("%s: %s", op, msg)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.root.Resolve(r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, "get", err)
		return
	}
	switch e.Kind {
	case sandbox.Missing:
		http.NotFound(w, r)
	case sandbox.Directory:
		items, err := List(e)
		if err != nil {
			s.writeError(w, r, "list", err)
			return
		}
		var buf bytes.Buffer
		if err := RenderListing(&buf, e.Rel, items); err != nil {
			s.writeError(w, r, "list", err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	case sandbox.File:
		if err := s.responder.Serve(w, r, e); err != nil {
			s.writeError(w, r, "download", err)
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	dir, err := s.root.Resolve(r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, "upload", err)
		return
	}
	if dir.Kind != sandbox.Directory {
		s.writeError(w, r, "upload", fmt.Errorf("target directory: %w", sandbox.ErrNotFound))
		return
	}

	if r.ContentLength > s.maxUpload {
		s.writeError(w, r, "upload", &http.MaxBytesError{Limit: s.maxUpload})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "upload: expected multipart form"})
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "upload: missing file field"})
			return
		}
		if err != nil {
			s.writeError(w, r, "upload", err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		target, n, err := s.store(dir, part.FileName(), part)
		part.Close()
		if err != nil {
			s.writeError(w, r, "upload", err)
			return
		}
		hlog.FromRequest(r).Info().Str("file", target.Rel).Int64("size", n).Msg("uploaded")
		writeJSON(w, http.StatusCreated, response{
			Status:  "success",
			Message: fmt.Sprintf("uploaded %s", target.Name()),
			Path:    target.Rel,
			Size:    &n,
		})
		return
	}
}

// store streams src into a temp file inside dir and renames it over name.
func (s *Server) store(dir sandbox.Entry, name string, src io.Reader) (sandbox.Entry, int64, error) {
	target, err := s.root.ResolveChild(dir.Rel, name)
	if err != nil {
		return sandbox.Entry{}, 0, err
	}
	if target.Kind == sandbox.Directory {
		return sandbox.Entry{}, 0, fmt.Errorf("%s is a directory: %w", target.Rel, fs.ErrExist)
	}

	tmp, err := os.CreateTemp(dir.Path, ".upload-*")
	if err != nil {
		return sandbox.Entry{}, 0, err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), target.Link)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return sandbox.Entry{}, 0, err
	}
	return target, n, nil
}

type renameRequest struct {
	Path    string `json:"path"`
	NewName string `json:"new_name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" || req.NewName == "" {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "rename: path and new_name are required"})
		return
	}
	src, err := s.root.Resolve(req.Path)
	if err != nil {
		s.writeError(w, r, "rename", err)
		return
	}
	switch {
	case src.Kind == sandbox.Missing:
		s.writeError(w, r, "rename", sandbox.ErrNotFound)
		return
	case src.IsRoot():
		s.writeError(w, r, "rename", sandbox.ErrForbidden)
		return
	}

	dst, err := s.root.ResolveChild(path.Dir(src.Rel), req.NewName)
	if err != nil {
		s.writeError(w, r, "rename", err)
		return
	}
	if dst.Kind != sandbox.Missing {
		s.writeError(w, r, "rename", fmt.Errorf("%s: %w", dst.Rel, fs.ErrExist))
		return
	}
	if err := os.Rename(src.Link, dst.Link); err != nil {
		s.writeError(w, r, "rename", err)
		return
	}
	hlog.FromRequest(r).Info().Str("from", src.Rel).Str("to", dst.Rel).Msg("renamed")
	writeJSON(w, http.StatusOK, response{
		Status:  "success",
		Message: fmt.Sprintf("renamed %s to %s", src.Name(), dst.Name()),
		Path:    dst.Rel,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	e, err := s.root.Resolve(r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, "delete", err)
		return
	}
	switch {
	case e.Kind == sandbox.Missing:
		s.writeError(w, r, "delete", sandbox.ErrNotFound)
		return
	case e.IsRoot():
		s.writeError(w, r, "delete", sandbox.ErrForbidden)
		return
	}
	if err := os.RemoveAll(e.Link); err != nil {
		s.writeError(w, r, "delete", err)
		return
	}
	hlog.FromRequest(r).Info().Str("path", e.Rel).Msg("deleted")
	writeJSON(w, http.StatusOK, response{Status: "success", Message: fmt.Sprintf("deleted %s", e.Name())})
}
