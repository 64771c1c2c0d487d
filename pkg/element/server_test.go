package element

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/mode"
	"github.com/cuemby/strata/pkg/types"
)

type elementKeys struct {
	priv *rsa.PrivateKey
}

func newElementKeys(t *testing.T) *elementKeys {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &elementKeys{priv: priv}
}

func (k *elementKeys) ActivePublicKeys() map[string]*rsa.PublicKey {
	return map[string]*rsa.PublicKey{"v1": &k.priv.PublicKey}
}

func (k *elementKeys) mint(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-admin",
			Issuer:    "strata-admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Type: auth.TypeServiceAccount,
	})
	token.Header["kid"] = "v1"
	raw, err := token.SignedString(k.priv)
	require.NoError(t, err)
	return raw
}

func newElementServer(t *testing.T) (*httptest.Server, *elementKeys) {
	t.Helper()
	keys := newElementKeys(t)

	store, err := NewStore(t.TempDir(), t.TempDir(), "se-test", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	machine, err := mode.NewMachine("se-test", types.ModeEdit, zerolog.Nop())
	require.NoError(t, err)

	cfg := config.ElementConfig{ElementID: "se-test", Name: "se-test", CapacityBytes: 1 << 20}
	server := NewServer(cfg, store, machine, auth.NewValidator(keys, "strata-admin"), client.NewElementClient(nil))

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return srv, keys
}

// TestInternalRoutesRequireToken tests that internal endpoints reject
// tokenless requests while the discovery documents stay open.
func TestInternalRoutesRequireToken(t *testing.T) {
	srv, keys := newElementServer(t)

	resp, err := http.Get(srv.URL + "/internal/attrs/a.txt?path=2026/01/01/00")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/internal/attrs/a.txt?path=2026/01/01/00", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+keys.mint(t))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "authenticated request reaches the handler")

	resp, err = http.Get(srv.URL + "/api/v1/capacity")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestElementClientSendsServiceToken tests that a client wired with a token
// source authenticates against an element's internal API, and one without a
// source is rejected there.
func TestElementClientSendsServiceToken(t *testing.T) {
	srv, keys := newElementServer(t)
	ctx := context.Background()
	token := keys.mint(t)

	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   900,
		})
	}))
	t.Cleanup(admin.Close)

	tokens := client.NewTokenSource(admin.URL, "svc-admin", "s3cret")
	authed := client.NewElementClient(tokens)
	assert.NoError(t, authed.Delete(ctx, srv.URL, "2026/01/01/00", "a.txt"))

	bare := client.NewElementClient(nil)
	assert.Error(t, bare.Delete(ctx, srv.URL, "2026/01/01/00", "a.txt"))
}
