package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/finalize"
	"github.com/cuemby/strata/pkg/health"
	"github.com/cuemby/strata/pkg/keys"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
)

// TokenRequest is the token endpoint body. Client credentials and password
// grants share it; exactly one pair of fields applies.
type TokenRequest struct {
	GrantType    string `json:"grant_type,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

// RefreshRequest is the refresh endpoint body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Server is the admin control-plane HTTP surface: token issuance, the
// public key document, and the internal registries.
type Server struct {
	svc         *Service
	authSvc     *auth.Service
	keys        *keys.Manager
	coordinator *finalize.Coordinator
	aggregator  *health.Aggregator
	validator   *auth.Validator
	logger      zerolog.Logger
}

// NewServer assembles the admin server.
func NewServer(svc *Service, authSvc *auth.Service, km *keys.Manager, coordinator *finalize.Coordinator, aggregator *health.Aggregator) *Server {
	return &Server{
		svc:         svc,
		authSvc:     authSvc,
		keys:        km,
		coordinator: coordinator,
		aggregator:  aggregator,
		validator:   authSvc.Validator(),
		logger:      log.WithComponent("admin"),
	}
}

// Router builds the admin route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/api/v1/auth/token", s.handleToken)
	r.Post("/api/v1/auth/refresh", s.handleRefresh)

	// Verification keys are public by definition; consumers fetch them
	// before they hold any token.
	r.Get("/internal/keys", s.handleKeys)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(s.validator, auth.TypeServiceAccount, auth.TypeAdminUser))

		r.Get("/internal/storage-elements", s.handleListElements)
		r.Post("/internal/storage-elements", s.handleRegisterElement)
		r.Get("/internal/storage-elements/{id}", s.handleGetElement)

		r.Get("/internal/files", s.handleListFiles)
		r.Post("/internal/files", s.handleRegisterFile)
		r.Get("/internal/files/{file_id}", s.handleGetFile)

		r.Post("/internal/finalize/{file_id}", s.handleBeginFinalize)
		r.Get("/internal/finalize/{transaction_id}/status", s.handleFinalizeStatus)
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

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.aggregator.State()
	status := http.StatusOK
	if state.Status == health.StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, state)
}

// handleToken implements the OAuth token endpoint for both grants. Errors
// follow RFC 6749: invalid_client for bad credentials, access_denied for
// disabled or locked accounts.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	var pair *auth.TokenPair
	var err error
	switch {
	case req.ClientID != "":
		pair, err = s.authSvc.ClientCredentials(r.Context(), req.ClientID, req.ClientSecret)
	case req.Username != "":
		pair, err = s.authSvc.PasswordGrant(r.Context(), req.Username, req.Password)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if err != nil {
		s.tokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	pair, err := s.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.tokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) tokenError(w http.ResponseWriter, err error) {
	code := "invalid_client"
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, errdefs.ErrAccountLocked):
		code = "account_locked"
		status = http.StatusLocked
	case errors.Is(err, errdefs.ErrAccessDenied):
		code = "access_denied"
		status = http.StatusForbidden
	case errors.Is(err, errdefs.ErrInvalidToken), errors.Is(err, errdefs.ErrTokenExpired), errors.Is(err, errdefs.ErrWrongTokenType):
		code = "invalid_grant"
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.PublicKeyDocs())
}

func (s *Server) handleRegisterElement(w http.ResponseWriter, r *http.Request) {
	var el types.StorageElement
	if err := json.NewDecoder(r.Body).Decode(&el); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed element"})
		return
	}
	if err := s.svc.RegisterElement(&el, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &el)
}

func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	el, err := s.svc.GetElement(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, el)
}

func (s *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	els, err := s.svc.ListElements()
	if err != nil {
		writeError(w, err)
		return
	}
	if els == nil {
		els = []*types.StorageElement{}
	}
	writeJSON(w, http.StatusOK, els)
}

func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	var file types.File
	if err := json.NewDecoder(r.Body).Decode(&file); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed file record"})
		return
	}
	registered, err := s.svc.RegisterFile(r.Context(), &file, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.svc.GetFile(chi.URLParam(r, "file_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.svc.ListFiles()
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []*types.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleBeginFinalize(w http.ResponseWriter, r *http.Request) {
	tx, err := s.coordinator.Begin(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleFinalizeStatus(w http.ResponseWriter, r *http.Request) {
	tx, err := s.coordinator.Status(r.Context(), chi.URLParam(r, "transaction_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// actor names the authenticated principal for the audit trail.
func actor(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Username
	}
	return "unknown"
}
