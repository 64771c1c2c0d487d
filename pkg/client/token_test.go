package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, expiresIn int64, grants *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/auth/token", r.URL.Path)

		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req["client_id"] != "svc-gc" || req["client_secret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := grants.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestTokenIsCached tests that the source fetches once and serves the cached
// token while it is comfortably inside its lifetime.
func TestTokenIsCached(t *testing.T) {
	var grants atomic.Int32
	srv := tokenServer(t, 900, &grants)

	ts := NewTokenSource(srv.URL, "svc-gc", "s3cret")
	ctx := context.Background()

	first, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	second, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), grants.Load())
}

// TestTokenRefreshesNearExpiry tests that a token inside the one minute
// refresh window is replaced instead of served.
func TestTokenRefreshesNearExpiry(t *testing.T) {
	var grants atomic.Int32
	srv := tokenServer(t, 30, &grants)

	ts := NewTokenSource(srv.URL, "svc-gc", "s3cret")
	ctx := context.Background()

	_, err := ts.Token(ctx)
	require.NoError(t, err)
	_, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), grants.Load())
}

func TestTokenBadCredentials(t *testing.T) {
	var grants atomic.Int32
	srv := tokenServer(t, 900, &grants)

	ts := NewTokenSource(srv.URL, "svc-gc", "wrong")
	_, err := ts.Token(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(0), grants.Load())
}
