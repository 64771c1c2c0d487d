package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadGeneratesInitialKey tests the "at least one active key" invariant
// on a cold start with an empty directory.
func TestLoadGeneratesInitialKey(t *testing.T) {
	m := NewManager(t.TempDir(), 25*time.Hour)
	require.NoError(t, m.Load())

	priv, version, err := m.SigningKey()
	require.NoError(t, err)
	assert.NotNil(t, priv)
	assert.NotEmpty(t, version)

	pubs := m.ActivePublicKeys()
	require.Len(t, pubs, 1)
	assert.NotNil(t, pubs[version])
}

func TestSigningKeyBeforeLoad(t *testing.T) {
	m := NewManager(t.TempDir(), 25*time.Hour)
	_, _, err := m.SigningKey()
	assert.Error(t, err)
}

// TestRotationOverlap tests that after generating a second key the newest
// signs while both stay valid for verification.
func TestRotationOverlap(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 25*time.Hour)
	require.NoError(t, m.Load())

	_, firstVersion, err := m.SigningKey()
	require.NoError(t, err)

	// Keys are ordered by second-granularity timestamps in the filename;
	// make sure the second key sorts after the first.
	time.Sleep(1100 * time.Millisecond)
	secondVersion, err := m.Generate()
	require.NoError(t, err)
	require.NoError(t, m.Load())

	_, signing, err := m.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, secondVersion, signing)

	pubs := m.ActivePublicKeys()
	require.Len(t, pubs, 2)
	assert.Contains(t, pubs, firstVersion)
	assert.Contains(t, pubs, secondVersion)
}

func TestExpiredKeysAreNotLoaded(t *testing.T) {
	dir := t.TempDir()

	// Generate a pair, then reopen the directory with a lifetime so short
	// the key reads as expired. Load must generate a replacement.
	m := NewManager(dir, 25*time.Hour)
	require.NoError(t, m.Load())
	_, oldVersion, err := m.SigningKey()
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	expired := NewManager(dir, time.Second)
	require.NoError(t, expired.Load())

	_, newVersion, err := expired.SigningKey()
	require.NoError(t, err)
	assert.NotEqual(t, oldVersion, newVersion)
	assert.NotContains(t, expired.ActivePublicKeys(), oldVersion)
}

func TestPublicKeyDocs(t *testing.T) {
	m := NewManager(t.TempDir(), 25*time.Hour)
	require.NoError(t, m.Load())

	docs := m.PublicKeyDocs()
	require.Len(t, docs, 1)
	assert.Equal(t, "RS256", docs[0].Algorithm)
	assert.Contains(t, docs[0].PublicPEM, "BEGIN PUBLIC KEY")
	assert.True(t, docs[0].ExpiresAt.After(docs[0].CreatedAt))
}

func TestLoadSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 25*time.Hour)
	require.NoError(t, m.Load())
	_, version, err := m.SigningKey()
	require.NoError(t, err)

	// Garbage alongside valid keys must not poison the snapshot.
	bad := keyFilename(time.Now().UTC(), uuid.New().String()) + privateSuffix
	require.NoError(t, os.WriteFile(filepath.Join(dir, bad), []byte("not pem"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("notes"), 0644))

	require.NoError(t, m.Load())
	_, reloaded, err := m.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, version, reloaded)
	assert.Len(t, m.ActivePublicKeys(), 1)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Hour)

	oldStem := keyFilename(time.Now().UTC().Add(-10*time.Hour), uuid.New().String())
	freshStem := keyFilename(time.Now().UTC(), uuid.New().String())
	for _, name := range []string{oldStem + privateSuffix, oldStem + publicSuffix,
		freshStem + privateSuffix, freshStem + publicSuffix} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600))
	}

	require.NoError(t, m.Prune(time.Hour))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.NotContains(t, names, oldStem+privateSuffix)
	assert.NotContains(t, names, oldStem+publicSuffix)
	assert.Contains(t, names, freshStem+privateSuffix)
	assert.Contains(t, names, freshStem+publicSuffix)
}

func TestParseKeyFilename(t *testing.T) {
	version := uuid.New().String()
	created := time.Unix(1700000000, 0).UTC()

	gotCreated, gotVersion, err := parseKeyFilename(keyFilename(created, version))
	require.NoError(t, err)
	assert.True(t, gotCreated.Equal(created))
	assert.Equal(t, version, gotVersion)

	tests := []string{
		"noversion",
		fmt.Sprintf("notanumber_%s", version),
		"1700000000_not-a-uuid",
	}
	for _, stem := range tests {
		_, _, err := parseKeyFilename(stem)
		assert.Error(t, err, stem)
	}
}
