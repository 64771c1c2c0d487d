package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

// testKeys is an in-memory Signer and KeySource holding one or more RSA
// keys, newest last.
type testKeys struct {
	versions []string
	keys     map[string]*rsa.PrivateKey
}

func newTestKeys(t *testing.T, versions ...string) *testKeys {
	t.Helper()
	tk := &testKeys{keys: make(map[string]*rsa.PrivateKey)}
	for _, v := range versions {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		tk.versions = append(tk.versions, v)
		tk.keys[v] = priv
	}
	return tk
}

func (tk *testKeys) SigningKey() (*rsa.PrivateKey, string, error) {
	v := tk.versions[len(tk.versions)-1]
	return tk.keys[v], v, nil
}

func (tk *testKeys) ActivePublicKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey)
	for v, k := range tk.keys {
		out[v] = &k.PublicKey
	}
	return out
}

func hash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestService(t *testing.T, tk *testKeys) (*Service, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, tk, tk, "strata-admin",
		15*time.Minute, 24*time.Hour,
		config.LockoutConfig{Threshold: 5, Duration: 15 * time.Minute})
	return svc, store
}

func putAccount(t *testing.T, store *storage.BoltStore, clientID, secret string) {
	t.Helper()
	require.NoError(t, store.PutServiceAccount(&types.ServiceAccount{
		ClientID:        clientID,
		SecretHash:      hash(t, secret),
		Status:          types.AccountActive,
		Role:            "service",
		SecretExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}))
}

func TestClientCredentials(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	putAccount(t, store, "ingester", "s3cret")

	pair, err := svc.ClientCredentials(context.Background(), "ingester", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := svc.Validator().Validate(pair.AccessToken, TypeServiceAccount)
	require.NoError(t, err)
	assert.Equal(t, "ingester", claims.Subject)
	assert.Equal(t, "service", claims.Role)

	// The refresh token is a refresh token, not an access token.
	_, err = svc.Validator().Validate(pair.RefreshToken, TypeServiceAccount)
	assert.True(t, errors.Is(err, errdefs.ErrWrongTokenType))
}

func TestClientCredentialsDenied(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	putAccount(t, store, "ingester", "s3cret")

	suspended := &types.ServiceAccount{
		ClientID:        "suspended",
		SecretHash:      hash(t, "pw"),
		Status:          types.AccountSuspended,
		SecretExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, store.PutServiceAccount(suspended))

	stale := &types.ServiceAccount{
		ClientID:        "stale",
		SecretHash:      hash(t, "pw"),
		Status:          types.AccountActive,
		SecretExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.PutServiceAccount(stale))

	tests := []struct {
		name     string
		clientID string
		secret   string
		want     error
	}{
		{"unknown client", "ghost", "pw", errdefs.ErrInvalidCredentials},
		{"wrong secret", "ingester", "wrong", errdefs.ErrInvalidCredentials},
		{"suspended account", "suspended", "pw", errdefs.ErrAccessDenied},
		{"expired secret", "stale", "pw", errdefs.ErrAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ClientCredentials(context.Background(), tt.clientID, tt.secret)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

// TestPasswordGrantLockout tests that the fifth consecutive failure locks
// the account and a successful login resets the counter.
func TestPasswordGrantLockout(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	ctx := context.Background()

	require.NoError(t, store.PutAdminUser(&types.AdminUser{
		Username:     "root",
		PasswordHash: hash(t, "correct"),
		Role:         "admin",
	}))

	// Four failures leave the account usable.
	for i := 0; i < 4; i++ {
		_, err := svc.PasswordGrant(ctx, "root", "wrong")
		assert.True(t, errors.Is(err, errdefs.ErrInvalidCredentials))
	}

	// A success inside the window resets the counter.
	_, err := svc.PasswordGrant(ctx, "root", "correct")
	require.NoError(t, err)
	user, err := store.GetAdminUser("root")
	require.NoError(t, err)
	assert.Equal(t, 0, user.FailedLogins)

	// Five straight failures lock it.
	for i := 0; i < 5; i++ {
		_, err := svc.PasswordGrant(ctx, "root", "wrong")
		assert.True(t, errors.Is(err, errdefs.ErrInvalidCredentials))
	}

	// Even the correct password is refused while locked.
	_, err = svc.PasswordGrant(ctx, "root", "correct")
	assert.True(t, errors.Is(err, errdefs.ErrAccountLocked))
}

func TestPasswordGrantUnknownUser(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, _ := newTestService(t, tk)

	_, err := svc.PasswordGrant(context.Background(), "ghost", "pw")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidCredentials))
}

func TestRefresh(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	ctx := context.Background()
	putAccount(t, store, "ingester", "s3cret")

	pair, err := svc.ClientCredentials(ctx, "ingester", "s3cret")
	require.NoError(t, err)

	fresh, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	claims, err := svc.Validator().Validate(fresh.AccessToken, TypeServiceAccount)
	require.NoError(t, err)
	assert.Equal(t, "ingester", claims.Subject)

	// An access token is not accepted where a refresh token is expected.
	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.True(t, errors.Is(err, errdefs.ErrWrongTokenType))
}

func TestRefreshSuspendedAccount(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	ctx := context.Background()
	putAccount(t, store, "ingester", "s3cret")

	pair, err := svc.ClientCredentials(ctx, "ingester", "s3cret")
	require.NoError(t, err)

	sa, err := store.GetServiceAccount("ingester")
	require.NoError(t, err)
	sa.Status = types.AccountSuspended
	require.NoError(t, store.PutServiceAccount(sa))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.True(t, errors.Is(err, errdefs.ErrAccessDenied))
}

// TestValidateAcrossRotation tests that a token minted under a superseded
// key keeps verifying while that key is still active, with and without a
// usable kid header.
func TestValidateAcrossRotation(t *testing.T) {
	old := newTestKeys(t, "v1")
	svc, store := newTestService(t, old)
	putAccount(t, store, "ingester", "s3cret")

	pair, err := svc.ClientCredentials(context.Background(), "ingester", "s3cret")
	require.NoError(t, err)

	// Rotation: v2 signs now, v1 still verifies.
	both := newTestKeys(t, "v2")
	both.versions = append(both.versions, "v1")
	both.keys["v1"] = old.keys["v1"]
	validator := NewValidator(both, "strata-admin")

	claims, err := validator.Validate(pair.AccessToken, TypeServiceAccount)
	require.NoError(t, err)
	assert.Equal(t, "ingester", claims.Subject)

	// A key source that dropped v1 entirely rejects the token.
	only2 := newTestKeys(t, "v2")
	_, err = NewValidator(only2, "strata-admin").Validate(pair.AccessToken)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidToken))
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	tk := newTestKeys(t, "v1")
	svc, store := newTestService(t, tk)
	putAccount(t, store, "ingester", "s3cret")

	pair, err := svc.ClientCredentials(context.Background(), "ingester", "s3cret")
	require.NoError(t, err)

	_, err = NewValidator(tk, "someone-else").Validate(pair.AccessToken)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidToken))
}

func TestValidateExpiredToken(t *testing.T) {
	tk := newTestKeys(t, "v1")
	validator := NewValidator(tk, "strata-admin")

	priv, version, err := tk.SigningKey()
	require.NoError(t, err)

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ingester",
			Issuer:    "strata-admin",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Type: TypeServiceAccount,
	})
	token.Header["kid"] = version
	raw, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = validator.Validate(raw)
	assert.True(t, errors.Is(err, errdefs.ErrTokenExpired))
}

func TestValidateNoKeys(t *testing.T) {
	empty := &testKeys{keys: map[string]*rsa.PrivateKey{}}
	_, err := NewValidator(empty, "strata-admin").Validate("whatever")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidToken))
}

func TestValidateGarbage(t *testing.T) {
	tk := newTestKeys(t, "v1")
	_, err := NewValidator(tk, "strata-admin").Validate("not.a.jwt")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidToken))
}
