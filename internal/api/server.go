// Package api is the thin HTTP surface over the core services. Routing
// and presentation live here; every operation delegates to the
// coordinator, deleter, search orchestrator or relational store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docucore/internal/cascade"
	mcperrors "docucore/internal/errors"
	"docucore/internal/events"
	"docucore/internal/ingest"
	"docucore/internal/logging"
	"docucore/internal/search"
	"docucore/internal/storage"
	"docucore/internal/syncjob"
)

// maxListLimit caps list/search page sizes per the HTTP contract.
const maxListLimit = 100

// defaultListLimit applies when the caller leaves limit unset.
const defaultListLimit = 20

// Server binds the HTTP routes to the core components.
type Server struct {
	store       storage.RelationalStore
	vectors     storage.VectorStore
	coordinator *ingest.Coordinator
	deleter     *cascade.Deleter
	searcher    *search.Orchestrator
	machine     *syncjob.Machine
	broadcaster *events.Broadcaster
	logger      *logging.EnhancedLogger
}

// Config carries the server's collaborators. Broadcaster is optional.
type Config struct {
	Store       storage.RelationalStore
	Vectors     storage.VectorStore
	Coordinator *ingest.Coordinator
	Deleter     *cascade.Deleter
	Searcher    *search.Orchestrator
	Machine     *syncjob.Machine
	Broadcaster *events.Broadcaster
}

func NewServer(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		vectors:     cfg.Vectors,
		coordinator: cfg.Coordinator,
		deleter:     cfg.Deleter,
		searcher:    cfg.Searcher,
		machine:     cfg.Machine,
		broadcaster: cfg.Broadcaster,
		logger:      logging.ServerLogger,
	}
}

// Router builds the chi router for the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/collections", func(r chi.Router) {
		r.Post("/", s.createCollection)
		r.Get("/", s.listCollections)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getCollection)
			r.Put("/", s.updateCollection)
			r.Patch("/", s.updateCollection)
			r.Delete("/", s.deleteCollection)
		})
	})

	r.Route("/docs", func(r chi.Router) {
		r.Post("/", s.submitDocument)
		r.Get("/", s.listDocuments)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getDocument)
			r.Patch("/", s.updateDocument)
			r.Delete("/", s.deleteDocument)
			r.Put("/resync", s.resyncDocument)
		})
	})

	r.Get("/search", s.searchGet)
	r.Get("/search/paginated", s.searchPaginated)
	r.Post("/search", s.searchPost)

	r.Get("/health", s.health)
	if s.broadcaster != nil {
		r.Get("/events", s.broadcaster.Handler())
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// writeJSON writes v with the given status. Encoding failures are logged;
// the status line is already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err.Error())
	}
}

// writeError translates an error into the {error:{code,message}} envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var std *mcperrors.StandardError
	if !errors.As(err, &std) {
		std = mcperrors.NewInternalError("internal error", err)
	}
	std.WriteHTTPError(w)
}

// decodeBody decodes a JSON request body into v, rejecting unknown shapes
// with a validation error.
func (s *Server) decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return mcperrors.NewValidationError("body", "invalid JSON: "+err.Error(), nil)
	}
	return nil
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// pageParams extracts and clamps page/limit.
func pageParams(r *http.Request) (page, limit int) {
	page = queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit = queryInt(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return page, limit
}
