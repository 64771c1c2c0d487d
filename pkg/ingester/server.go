package ingester

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/selector"
	"github.com/cuemby/strata/pkg/types"
)

// UploadResponse is returned to the client after a successful upload.
type UploadResponse struct {
	FileID            string    `json:"file_id"`
	OriginalFilename  string    `json:"original_filename"`
	StorageFilename   string    `json:"storage_filename"`
	FileSize          int64     `json:"file_size"`
	Checksum          string    `json:"checksum"`
	UploadedAt        time.Time `json:"uploaded_at"`
	StorageElementURL string    `json:"storage_element_url"`
}

// FinalizeStatusResponse adds the coarse progress number to a transaction.
type FinalizeStatusResponse struct {
	*types.FinalizeTransaction
	ProgressPercent int `json:"progress_percent"`
}

// Server is the ingester's HTTP surface: authenticated upload plus the
// finalize API, which forwards to the coordinator running next to the
// authoritative store.
type Server struct {
	cfg       config.IngesterConfig
	sel       *selector.Selector
	elements  *client.ElementClient
	admin     *client.AdminClient
	validator *auth.Validator
	logger    zerolog.Logger
}

// NewServer assembles an ingester server.
func NewServer(cfg config.IngesterConfig, sel *selector.Selector, elements *client.ElementClient, admin *client.AdminClient, validator *auth.Validator) *Server {
	return &Server{
		cfg:       cfg,
		sel:       sel,
		elements:  elements,
		admin:     admin,
		validator: validator,
		logger:    log.WithComponent("ingester"),
	}
}

// Router builds the ingester's route tree.
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

		r.Post("/api/v1/upload", s.handleUpload)
		r.Post("/api/v1/finalize/{file_id}", s.handleFinalize)
		r.Get("/api/v1/finalize/{transaction_id}/status", s.handleFinalizeStatus)
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
	if _, err := s.admin.ListElements(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadParams are the non-file multipart fields, which must precede the
// file part so the stream can be processed in one pass.
type uploadParams struct {
	description string
	tags        []string
	mode        types.Mode
	compress    bool
	algorithm   Algorithm
}

// handleUpload spools the incoming stream to a temporary file, optionally
// compressing and always hashing it, picks candidate elements for the
// spooled size, and streams the spool to candidates until one accepts.
// Spooling is what makes the 507 retry transparent: the client body is read
// exactly once.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart body required"})
		return
	}

	params := uploadParams{mode: types.ModeEdit, algorithm: AlgoGzip}
	var originalFilename, contentType string
	var spool *os.File
	var size int64
	var checksum string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.uploadFail(w, err)
			return
		}

		if part.FormName() != "file" {
			if err := readField(part, &params); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			continue
		}

		originalFilename = part.FileName()
		contentType = part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		spool, size, checksum, err = s.spoolPart(part, params)
		if err != nil {
			s.uploadFail(w, err)
			return
		}
		defer func() {
			spool.Close()
			os.Remove(spool.Name())
		}()
		break // the file part is processed last, remaining parts are ignored
	}

	if spool == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file part is required"})
		return
	}

	fileID := uuid.New()
	now := time.Now().UTC()
	storageFilename := StorageFilename(originalFilename, claims.Username, now, fileID)
	if params.compress {
		storageFilename += params.algorithm.Extension()
	}

	attrs := &types.FileAttributes{
		FileID:           fileID.String(),
		OriginalFilename: originalFilename,
		StorageFilename:  storageFilename,
		FileSize:         size,
		ChecksumSHA256:   checksum,
		ContentType:      contentType,
		RetentionPolicy:  types.RetentionTemporary,
		Tags:             params.tags,
		UploadedBy:       claims.Username,
		CreatedAt:        now,
	}

	candidates, err := s.sel.Pick(r.Context(), params.mode, size)
	if err != nil {
		writeError(w, err)
		return
	}

	var stored *client.StoreResult
	var chosen selector.Candidate
	for _, cand := range candidates {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			writeError(w, err)
			return
		}
		stored, err = s.elements.Store(r.Context(), cand.Endpoint, attrs, spool)
		if err == nil {
			chosen = cand
			break
		}
		if errors.Is(err, errdefs.ErrInsufficientSpace) {
			s.logger.Warn().Str("element_id", cand.ElementID).Msg("element full, retrying next candidate")
			s.sel.Invalidate(r.Context(), cand.ElementID)
			continue
		}
		writeError(w, err)
		return
	}
	if stored == nil {
		writeError(w, errdefs.ErrNoAvailableStorage)
		return
	}

	file := &types.File{
		ID:               fileID.String(),
		OriginalFilename: originalFilename,
		StorageFilename:  storageFilename,
		FileSize:         stored.FileSize,
		ChecksumSHA256:   stored.ChecksumSHA256,
		ContentType:      contentType,
		RetentionPolicy:  types.RetentionTemporary,
		Tags:             params.tags,
		StorageElementID: chosen.ElementID,
		StoragePath:      stored.StoragePath,
		UploadedBy:       claims.Username,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	registered, err := s.admin.RegisterFile(r.Context(), file)
	if err != nil {
		// The element holds the bytes but the authoritative record is
		// missing; the orphan scan reconciles this.
		s.logger.Error().Err(err).Str("file_id", file.ID).Msg("file registration failed after store")
		writeError(w, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, &UploadResponse{
		FileID:            registered.ID,
		OriginalFilename:  registered.OriginalFilename,
		StorageFilename:   registered.StorageFilename,
		FileSize:          registered.FileSize,
		Checksum:          registered.ChecksumSHA256,
		UploadedAt:        registered.CreatedAt,
		StorageElementURL: chosen.Endpoint,
	})
}

func readField(part *multipart.Part, params *uploadParams) error {
	data, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return err
	}
	value := string(data)

	switch part.FormName() {
	case "description":
		params.description = value
	case "tags":
		params.tags = params.tags[:0]
		for _, tag := range strings.Split(value, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				params.tags = append(params.tags, tag)
			}
		}
	case "storage_mode":
		switch value {
		case "", "edit":
			params.mode = types.ModeEdit
		case "rw":
			params.mode = types.ModeRW
		default:
			return errors.New("storage_mode must be edit or rw")
		}
	case "compress":
		params.compress = value == "true" || value == "1"
	case "compression_algorithm":
		algo, err := ParseAlgorithm(value)
		if err != nil {
			return err
		}
		params.algorithm = algo
	}
	return nil
}

// spoolPart drains the file part into a temp file, hashing (and optionally
// compressing) on the way through. The checksum covers the bytes as stored,
// so the element's independent hash must match it exactly.
func (s *Server) spoolPart(part io.Reader, params uploadParams) (*os.File, int64, string, error) {
	spool, err := os.CreateTemp("", "strata-upload-*")
	if err != nil {
		return nil, 0, "", err
	}

	hasher := sha256.New()
	dst := io.MultiWriter(spool, hasher)

	if params.compress {
		cw, err := CompressTo(dst, params.algorithm)
		if err != nil {
			spool.Close()
			os.Remove(spool.Name())
			return nil, 0, "", err
		}
		if _, err := io.Copy(cw, part); err != nil {
			spool.Close()
			os.Remove(spool.Name())
			return nil, 0, "", err
		}
		if err := cw.Close(); err != nil {
			spool.Close()
			os.Remove(spool.Name())
			return nil, 0, "", err
		}
	} else {
		if _, err := io.Copy(dst, part); err != nil {
			spool.Close()
			os.Remove(spool.Name())
			return nil, 0, "", err
		}
	}

	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", err
	}
	return spool, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *Server) uploadFail(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		metrics.UploadsTotal.WithLabelValues("too_large").Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "upload exceeds the configured maximum",
		})
		return
	}
	metrics.UploadsTotal.WithLabelValues("error").Inc()
	writeError(w, err)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	tx, err := s.admin.BeginFinalize(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &FinalizeStatusResponse{
		FinalizeTransaction: tx,
		ProgressPercent:     tx.Progress(),
	})
}

func (s *Server) handleFinalizeStatus(w http.ResponseWriter, r *http.Request) {
	tx, err := s.admin.FinalizeStatus(r.Context(), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &FinalizeStatusResponse{
		FinalizeTransaction: tx,
		ProgressPercent:     tx.Progress(),
	})
}
