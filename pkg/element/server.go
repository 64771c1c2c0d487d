package element

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/mode"
	"github.com/cuemby/strata/pkg/types"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the storage element HTTP surface. Internal endpoints require a
// service token; the discovery and capacity documents are open so the
// capacity poller and operators can read them without credentials.
type Server struct {
	cfg       config.ElementConfig
	store     *Store
	machine   *mode.Machine
	validator *auth.Validator
	elements  *client.ElementClient
	logger    zerolog.Logger
}

// NewServer assembles a storage element server.
func NewServer(cfg config.ElementConfig, store *Store, machine *mode.Machine, validator *auth.Validator, elements *client.ElementClient) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		machine:   machine,
		validator: validator,
		elements:  elements,
		logger:    log.WithElementID(cfg.ElementID),
	}
}

// Router builds the element's route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/api/v1/info", s.handleInfo)
	r.Get("/api/v1/capacity", s.handleCapacity)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.validator, auth.TypeServiceAccount, auth.TypeAdminUser))

		r.Post("/internal/files", s.handleStore)
		r.Get("/internal/files/{filename}", s.handleFetch)
		r.Get("/internal/attrs/{filename}", s.handleAttrs)
		r.Post("/internal/copy", s.handleCopy)
		r.Delete("/internal/gc/{filename}", s.handleGC)
		r.Get("/internal/sidecars", s.handleSidecars)
		r.Post("/internal/mode", s.handleMode)
		r.Post("/api/v1/reconcile", s.handleReconcile)
	})

	return r
}

// requestLogger logs one line per request in the element's context.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
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

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Ready once the metadata cache is reachable.
	if _, _, err := s.store.Usage(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	used, count, err := s.store.Usage()
	if err != nil {
		writeError(w, err)
		return
	}
	pending, _ := s.store.WAL().PendingCount()

	writeJSON(w, http.StatusOK, &types.ElementInfo{
		Name:          s.cfg.Name,
		DisplayName:   s.cfg.DisplayName,
		Version:       Version,
		Mode:          s.machine.Mode(),
		StorageType:   s.cfg.StorageType,
		BasePath:      s.cfg.BasePath,
		CapacityBytes: s.cfg.CapacityBytes,
		UsedBytes:     used,
		FileCount:     count,
		Status:        types.ElementOnline,
		Priority:      s.cfg.Priority,
		ElementID:     s.cfg.ElementID,
		PendingWAL:    pending,
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	used, _, err := s.store.Usage()
	if err != nil {
		writeError(w, err)
		return
	}

	total := s.cfg.CapacityBytes
	available := total - used
	if available < 0 {
		available = 0
	}
	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}

	writeJSON(w, http.StatusOK, &types.CapacityResponse{
		StorageID: s.cfg.ElementID,
		Mode:      s.machine.Mode(),
		Capacity: types.CapacityInfo{
			Total:       total,
			Used:        used,
			Available:   available,
			PercentUsed: pct,
		},
		Health:     types.HealthHealthy,
		LastUpdate: time.Now().UTC(),
		Backend:    s.cfg.StorageType,
		Location:   s.cfg.Location,
	})
}

// handleStore accepts a multipart upload: an "attributes" JSON part followed
// by the "file" stream. Checksum and size are computed while persisting and
// reported back to the caller.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.CanPerform(mode.OpCreate); err != nil {
		writeError(w, err)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart body required"})
		return
	}

	metaPart, err := mr.NextPart()
	if err != nil || metaPart.FormName() != "attributes" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attributes part must come first"})
		return
	}
	var attrs types.FileAttributes
	if err := json.NewDecoder(metaPart).Decode(&attrs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed attributes"})
		return
	}
	if attrs.StorageFilename == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "storage_filename is required"})
		return
	}

	filePart, err := mr.NextPart()
	if err != nil || filePart.FormName() != "file" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file part must follow attributes"})
		return
	}

	saved, err := s.store.Save(r.Context(), &attrs, filePart, types.WALUpload, "")
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	metrics.UploadBytes.Add(float64(saved.FileSize))

	writeJSON(w, http.StatusCreated, &client.StoreResult{
		StoragePath:    saved.StoragePath,
		ChecksumSHA256: saved.ChecksumSHA256,
		FileSize:       saved.FileSize,
	})
}

// handleFetch serves a stored file. http.ServeContent handles Range,
// If-Range, and 416 semantics against the open file.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.CanPerform(mode.OpRead); err != nil {
		writeError(w, err)
		return
	}

	filename := chi.URLParam(r, "filename")
	storagePath := r.URL.Query().Get("path")

	f, _, err := s.store.Open(storagePath, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	if attrs, err := s.store.Cache().Get(filename); err == nil && attrs != nil && attrs.ContentType != "" {
		w.Header().Set("Content-Type", attrs.ContentType)
	}

	info, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

func (s *Server) handleAttrs(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.CanPerform(mode.OpMetadata); err != nil {
		writeError(w, err)
		return
	}

	attrs, err := s.store.Sidecar(r.URL.Query().Get("path"), chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attrs)
}

// handleCopy pulls a file from a source element and persists it locally,
// verifying the expected checksum while streaming.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.CanPerform(mode.OpCreate); err != nil {
		writeError(w, err)
		return
	}

	var req client.CopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed copy request"})
		return
	}

	resp, err := s.elements.Fetch(r.Context(), req.SourceURL, req.StoragePath, req.StorageFilename, "")
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	attrs := req.Attributes
	attrs.StorageFilename = req.StorageFilename
	saved, err := s.store.Save(r.Context(), &attrs, resp.Body, types.WALCopy, "")
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &client.CopyResult{
		StoragePath:    saved.StoragePath,
		ChecksumSHA256: saved.ChecksumSHA256,
		FileSize:       saved.FileSize,
	})
}

// handleGC removes a file for space reclamation. Writable modes only;
// read-only and archive data never changes underneath a reader.
func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	if m := s.machine.Mode(); m == types.ModeRO || m == types.ModeArchive {
		writeError(w, errdefs.ErrModeForbidden)
		return
	}

	if err := s.store.Delete(r.URL.Query().Get("path"), chi.URLParam(r, "filename")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSidecars(w http.ResponseWriter, r *http.Request) {
	before := time.Time{}
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed before timestamp"})
			return
		}
		before = t
	}

	attrs, err := s.store.SidecarsBefore(before)
	if err != nil {
		writeError(w, err)
		return
	}
	if attrs == nil {
		attrs = []types.FileAttributes{}
	}
	writeJSON(w, http.StatusOK, attrs)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req client.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed transition request"})
		return
	}

	if err := s.machine.Transition(req.To, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":    s.machine.Mode(),
		"history": s.machine.History(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Reconcile()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"files": n})
}
