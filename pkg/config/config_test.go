package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "strata-admin", cfg.Admin.Issuer)
	assert.Equal(t, 30*time.Minute, cfg.Admin.AccessTokenTTL)
	assert.Equal(t, 72*time.Hour, cfg.Admin.TemporaryTTL)
	assert.Equal(t, 24*time.Hour, cfg.Admin.Rotation.Interval)
	assert.Equal(t, 25*time.Hour, cfg.Admin.Rotation.KeyLifetime)
	assert.Equal(t, int64(5<<30), cfg.Ingester.MaxUploadBytes)
	assert.Equal(t, types.ModeEdit, cfg.Element.Mode)
	assert.Equal(t, 1000, cfg.Query.L1Size)
	assert.Equal(t, 300*time.Second, cfg.Query.L1TTL)
	assert.Equal(t, 1800*time.Second, cfg.Query.L2TTL)
	assert.Equal(t, 1.10, cfg.Selector.SafetyMargin)
	assert.Equal(t, 3, cfg.Selector.MaxRetries)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, 5, cfg.GC.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.GC.OrphanAge)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoad tests that set values override defaults while unset sections
// keep them.
func TestLoad(t *testing.T) {
	raw := `
log:
  level: debug
  json: true
redis:
  addr: redis.internal:6379
admin:
  listen: ":9000"
  issuer: my-issuer
  access_token_ttl: 5m
element:
  element_id: se-1
  mode: RW
  capacity_bytes: 1073741824
selector:
  safety_margin: 1.5
  static:
    - id: se-static
      api_url: http://se-static:8082
      mode: RW
      capacity_bytes: 1000
`
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9000", cfg.Admin.Listen)
	assert.Equal(t, "my-issuer", cfg.Admin.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.Admin.AccessTokenTTL)
	assert.Equal(t, types.ModeRW, cfg.Element.Mode)
	assert.Equal(t, int64(1<<30), cfg.Element.CapacityBytes)
	assert.Equal(t, 1.5, cfg.Selector.SafetyMargin)
	require.Len(t, cfg.Selector.Static, 1)
	assert.Equal(t, "se-static", cfg.Selector.Static[0].ID)

	// Untouched sections still get their defaults.
	assert.Equal(t, 7*24*time.Hour, cfg.Admin.RefreshTokenTTL)
	assert.Equal(t, ":8081", cfg.Ingester.Listen)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/strata.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
