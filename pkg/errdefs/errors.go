package errdefs

import (
	"errors"
	"net/http"
)

// Sentinel errors for the closed catalog of domain failure kinds. Components
// wrap these with fmt.Errorf("...: %w", ...) to add context; HTTP handlers
// map them to status codes with Status and to wire codes with Code.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrWrongTokenType     = errors.New("wrong token type")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccessDenied       = errors.New("access denied")
	ErrPermission         = errors.New("insufficient permissions")
	ErrModeForbidden      = errors.New("operation not permitted in current storage mode")
	ErrNoAvailableStorage = errors.New("no available storage")
	ErrInsufficientSpace  = errors.New("insufficient space on storage element")
	ErrNotFound           = errors.New("file not found")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrTooLarge           = errors.New("body exceeds maximum upload size")
	ErrConflict           = errors.New("conflicting operation in progress")
)

// Status maps a domain error to the HTTP status code surfaced to clients.
// Errors outside the catalog surface as 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrWrongTokenType),
		errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrModeForbidden):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoAvailableStorage), errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrChecksumMismatch):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code maps a domain error to its stable machine-readable code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrWrongTokenType):
		return "wrong_type"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrPermission):
		return "insufficient_permissions"
	case errors.Is(err, ErrModeForbidden):
		return "mode_forbidden"
	case errors.Is(err, ErrNoAvailableStorage):
		return "no_available_storage"
	case errors.Is(err, ErrInsufficientSpace):
		return "insufficient_space"
	case errors.Is(err, ErrNotFound):
		return "file_not_found"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrRangeNotSatisfiable):
		return "range_not_satisfiable"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
