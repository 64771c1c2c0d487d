package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
)

// Server is the query service's HTTP surface: search, download, and the
// operator-triggered cache rebuild.
type Server struct {
	cache     *Cache
	syncer    *Syncer
	resolver  *Resolver
	admin     *client.AdminClient
	elements  *client.ElementClient
	validator *auth.Validator
	logger    zerolog.Logger
}

// NewServer assembles a query server.
func NewServer(cache *Cache, syncer *Syncer, resolver *Resolver, admin *client.AdminClient, elements *client.ElementClient, validator *auth.Validator) *Server {
	return &Server{
		cache:     cache,
		syncer:    syncer,
		resolver:  resolver,
		admin:     admin,
		elements:  elements,
		validator: validator,
		logger:    log.WithComponent("query"),
	}
}

// EventHandler returns the handler the event subscriber feeds: cache
// application plus warm-level invalidation for changed files.
func (s *Server) EventHandler() events.Handler {
	return func(ctx context.Context, event *events.Event) error {
		if event.Type == events.FileUpdated || event.Type == events.FileDeleted {
			s.resolver.Invalidate(ctx, event.FileID)
		}
		return s.syncer.Apply(ctx, event)
	}
}

// Router builds the query route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.validator, auth.TypeServiceAccount, auth.TypeAdminUser))

		r.Post("/api/search", s.handleSearch)
		r.Get("/api/download/{file_id}", s.handleDownload)
		r.Post("/internal/rebuild", s.handleRebuild)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.Status(err), map[string]string{
		"error":   errdefs.Code(err),
		"message": err.Error(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cache.Count(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed search request"})
		return
	}

	resp, err := Search(s.cache, &req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload streams a file from its storage element, passing the Range
// header through after validating it, so partial content and multipart
// ranges come straight off the element.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	file, err := s.resolver.Resolve(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := ETag(file)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		if _, err := ParseRange(rangeHeader, file.FileSize); err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", file.FileSize))
			writeError(w, err)
			return
		}
	}

	el, err := s.admin.GetElement(r.Context(), file.StorageElementID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.elements.Fetch(r.Context(), el.APIURL, file.StoragePath, file.StorageFilename, rangeHeader)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.OriginalFilename))
	w.WriteHeader(resp.StatusCode)

	if resp.StatusCode == http.StatusPartialContent {
		metrics.DownloadsTotal.WithLabelValues("range").Inc()
	} else {
		metrics.DownloadsTotal.WithLabelValues("full").Inc()
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn().Err(err).Str("file_id", fileID).Msg("download stream aborted")
	}
}

// handleRebuild replaces the cache from the authoritative store. Exposed
// for the operator rebuild tool; event loss during subscriber downtime is
// recovered here.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.syncer.Rebuild(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"files": n})
}
