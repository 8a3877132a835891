// Package server exposes the object cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"objcache/internal/allocator"
	"objcache/internal/archive"
	"objcache/internal/core"
	"objcache/internal/middleware"
	"objcache/internal/segment"
	"objcache/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// CompressionHeader names the codec of a returned payload.
	CompressionHeader = "X-Objcache-Compression"
	// TierHeader names the tier that served a read.
	TierHeader = "X-Objcache-Tier"

	DefaultMaxBodySize = 64 << 20
)

// Store is the object cache as seen by the handlers. *core.Service
// implements it.
type Store interface {
	WriteContent(ctx context.Context, collection, contentType string, data []byte) (string, error)
	Read(ctx context.Context, collection string, rng types.Range) (core.Object, error)
}

// Archiver triggers archival on demand. *archive.Archiver implements it.
type Archiver interface {
	Archive(ctx context.Context, id types.SegmentID) error
	ArchiveFinalized(ctx context.Context) (archive.Report, error)
}

type Option func(*Server)

// WithArchiver enables the /admin/archive routes.
func WithArchiver(a Archiver) Option {
	return func(s *Server) {
		s.archiver = a
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sends the access log to logger instead of the default one.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

type Server struct {
	store       Store
	archiver    Archiver
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	maxBodySize int64
}

func New(store Store, opts ...Option) *Server {
	s := &Server{
		store:       store,
		gatherer:    prometheus.DefaultGatherer,
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /admin/archive", s.handleArchiveFinalized)
	mux.HandleFunc("POST /admin/archive/{segment}", func(w http.ResponseWriter, r *http.Request) {
		s.handleArchiveSegment(w, r, types.SegmentID(r.PathValue("segment")))
	})

	mux.HandleFunc("POST /{collection}", func(w http.ResponseWriter, r *http.Request) {
		s.handleWrite(w, r, r.PathValue("collection"))
	})
	mux.HandleFunc("GET /{collection}", func(w http.ResponseWriter, r *http.Request) {
		s.handleRead(w, r, r.PathValue("collection"))
	})

	logRequest := middleware.LogRequest
	if s.logger != nil {
		logRequest = middleware.LogRequestTo(s.logger)
	}
	return middleware.Chain(mux, middleware.Recoverer, logRequest, middleware.SlashFix)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, collection string) {
	middleware.Annotate(r.Context(), slog.String("collection", collection))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unable to read request body", http.StatusBadRequest)
		return
	}

	pointer, err := s.store.WriteContent(r.Context(), collection, r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, "write", err)
		return
	}
	if _, rng, err := types.ParsePointer(pointer); err == nil {
		middleware.Annotate(r.Context(), slog.String("range", rng.String()))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, pointer)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, collection string) {
	middleware.Annotate(r.Context(), slog.String("collection", collection))

	q := r.URL.Query()
	if !q.Has("start") || !q.Has("end") {
		http.Error(w, "unable to parse start & end params", http.StatusBadRequest)
		return
	}
	rng, err := types.NewRange(q.Get("start"), q.Get("end"))
	if err != nil {
		http.Error(w, "unable to parse start & end params: "+err.Error(), http.StatusBadRequest)
		return
	}
	middleware.Annotate(r.Context(), slog.String("range", rng.String()))

	obj, err := s.store.Read(r.Context(), collection, rng)
	if err != nil {
		writeError(w, "read", err)
		return
	}
	middleware.Annotate(r.Context(), slog.String("tier", obj.Tier))

	contentType := obj.ContentType
	if contentType == "" {
		contentType = core.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(CompressionHeader, obj.Compression)
	w.Header().Set(TierHeader, obj.Tier)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		slog.Debug("Client went away during read", "collection", collection, "range", rng, "err", err)
	}
}

func (s *Server) handleArchiveFinalized(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		http.Error(w, "archival is disabled", http.StatusNotFound)
		return
	}

	report, err := s.archiver.ArchiveFinalized(r.Context())
	if err != nil {
		// Per-segment failures are listed in the report.
		slog.Warn("Archive pass finished with errors", "err", err)
	}

	status := http.StatusOK
	if len(report.Failed) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

func (s *Server) handleArchiveSegment(w http.ResponseWriter, r *http.Request, id types.SegmentID) {
	if s.archiver == nil {
		http.Error(w, "archival is disabled", http.StatusNotFound)
		return
	}
	middleware.Annotate(r.Context(), slog.String("segment", id.String()))

	if err := s.archiver.Archive(r.Context(), id); err != nil {
		writeError(w, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, archive.Report{Archived: []types.SegmentID{id}})
}

// StatusFor maps an error from the cache service to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRange),
		errors.Is(err, types.ErrInvalidCollection),
		errors.Is(err, types.ErrInvalidSegmentID),
		errors.Is(err, allocator.ErrInvalidLength):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, segment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrDirectoryBusy),
		errors.Is(err, allocator.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "op", op, "err", err)
	}
	http.Error(w, op+": "+err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}
