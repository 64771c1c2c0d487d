package errdefs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestStatus tests the error-to-HTTP-status catalog, including wrapped
// errors.
func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInvalidToken, http.StatusUnauthorized},
		{ErrTokenExpired, http.StatusUnauthorized},
		{ErrWrongTokenType, http.StatusUnauthorized},
		{ErrInvalidCredentials, http.StatusUnauthorized},
		{ErrAccountLocked, http.StatusLocked},
		{ErrAccessDenied, http.StatusForbidden},
		{ErrPermission, http.StatusForbidden},
		{ErrModeForbidden, http.StatusBadRequest},
		{ErrNoAvailableStorage, http.StatusServiceUnavailable},
		{ErrCircuitOpen, http.StatusServiceUnavailable},
		{ErrInsufficientSpace, http.StatusInsufficientStorage},
		{ErrNotFound, http.StatusNotFound},
		{ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable},
		{ErrTooLarge, http.StatusRequestEntityTooLarge},
		{ErrConflict, http.StatusConflict},
		{ErrChecksumMismatch, http.StatusInternalServerError},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
			assert.Equal(t, tt.want, Status(fmt.Errorf("context: %w", tt.err)))
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidToken, "invalid_token"},
		{ErrAccountLocked, "account_locked"},
		{ErrModeForbidden, "mode_forbidden"},
		{ErrInsufficientSpace, "insufficient_space"},
		{ErrNotFound, "file_not_found"},
		{ErrChecksumMismatch, "checksum_mismatch"},
		{ErrRangeNotSatisfiable, "range_not_satisfiable"},
		{fmt.Errorf("anything else"), "internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
		assert.Equal(t, tt.want, Code(fmt.Errorf("context: %w", tt.err)))
	}
}
