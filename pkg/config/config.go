package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/strata/pkg/types"
)

// Config is the root configuration shared by all service roles. A single
// YAML file carries every section; each role reads the sections it needs.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Admin    AdminConfig    `yaml:"admin"`
	Ingester IngesterConfig `yaml:"ingester"`
	Element  ElementConfig  `yaml:"element"`
	Query    QueryConfig    `yaml:"query"`
	Selector SelectorConfig `yaml:"selector"`
	GC       GCConfig       `yaml:"gc"`
	Lockout  LockoutConfig  `yaml:"lockout"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RedisConfig points at the shared registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RotationConfig tunes the signing key rotation job.
type RotationConfig struct {
	Interval    time.Duration `yaml:"interval"`
	KeyLifetime time.Duration `yaml:"key_lifetime"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	MaxRetries  int           `yaml:"max_retries"`
}

// AdminConfig configures the control-plane service.
type AdminConfig struct {
	Listen         string         `yaml:"listen"`
	DataDir        string         `yaml:"data_dir"`
	KeyDir         string         `yaml:"key_dir"`
	Issuer         string         `yaml:"issuer"`
	AccessTokenTTL time.Duration  `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	Rotation       RotationConfig `yaml:"rotation"`
	TemporaryTTL   time.Duration  `yaml:"temporary_ttl"`

	// Service-account credentials the admin's own background workers use
	// when calling storage elements and its own internal API.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// IngesterConfig configures the upload service.
type IngesterConfig struct {
	Listen         string `yaml:"listen"`
	AdminURL       string `yaml:"admin_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
}

// ElementConfig configures one storage element node.
type ElementConfig struct {
	Listen        string            `yaml:"listen"`
	ElementID     string            `yaml:"element_id"`
	Name          string            `yaml:"name"`
	DisplayName   string            `yaml:"display_name"`
	BasePath      string            `yaml:"base_path"`
	DataDir       string            `yaml:"data_dir"`
	Mode          types.Mode        `yaml:"mode"`
	StorageType   types.StorageType `yaml:"storage_type"`
	Priority      int               `yaml:"priority"`
	CapacityBytes int64             `yaml:"capacity_bytes"`
	Location      string            `yaml:"location"`
	AdminURL      string            `yaml:"admin_url"`
	APIURL        string            `yaml:"api_url"`
	MaxFileBytes  int64             `yaml:"max_file_bytes"`
	ClientID      string            `yaml:"client_id"`
	ClientSecret  string            `yaml:"client_secret"`
}

// QueryConfig configures the search/download service.
type QueryConfig struct {
	Listen     string        `yaml:"listen"`
	AdminURL   string        `yaml:"admin_url"`
	DataDir    string        `yaml:"data_dir"`
	L1Size     int           `yaml:"l1_size"`
	L1TTL      time.Duration `yaml:"l1_ttl"`
	L2TTL      time.Duration `yaml:"l2_ttl"`
	ClientID   string        `yaml:"client_id"`
	ClientSecret string      `yaml:"client_secret"`
}

// SelectorConfig tunes storage element selection.
type SelectorConfig struct {
	SafetyMargin float64                `yaml:"safety_margin"`
	MaxRetries   int                    `yaml:"max_retries"`
	Static       []types.StorageElement `yaml:"static"`
}

// GCConfig tunes the deferred-deletion worker.
type GCConfig struct {
	ScanInterval   time.Duration `yaml:"scan_interval"`
	SafetyMargin   time.Duration `yaml:"safety_margin"`
	MaxRetries     int           `yaml:"max_retries"`
	OrphanInterval time.Duration `yaml:"orphan_interval"`
	OrphanAge      time.Duration `yaml:"orphan_age"`
}

// LockoutConfig tunes the password-grant account lockout.
type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

// Load reads the YAML file at path and applies defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every tunable at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = ":8080"
	}
	if c.Admin.DataDir == "" {
		c.Admin.DataDir = "/var/lib/strata/admin"
	}
	if c.Admin.KeyDir == "" {
		c.Admin.KeyDir = "/var/lib/strata/keys"
	}
	if c.Admin.Issuer == "" {
		c.Admin.Issuer = "strata-admin"
	}
	if c.Admin.AccessTokenTTL == 0 {
		c.Admin.AccessTokenTTL = 30 * time.Minute
	}
	if c.Admin.RefreshTokenTTL == 0 {
		c.Admin.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Admin.TemporaryTTL == 0 {
		c.Admin.TemporaryTTL = 72 * time.Hour
	}
	if c.Admin.Rotation.Interval == 0 {
		c.Admin.Rotation.Interval = 24 * time.Hour
	}
	if c.Admin.Rotation.KeyLifetime == 0 {
		c.Admin.Rotation.KeyLifetime = 25 * time.Hour
	}
	if c.Admin.Rotation.LockTTL == 0 {
		c.Admin.Rotation.LockTTL = 60 * time.Second
	}
	if c.Admin.Rotation.MaxRetries == 0 {
		c.Admin.Rotation.MaxRetries = 3
	}

	if c.Ingester.Listen == "" {
		c.Ingester.Listen = ":8081"
	}
	if c.Ingester.MaxUploadBytes == 0 {
		c.Ingester.MaxUploadBytes = 5 << 30 // 5 GiB
	}

	if c.Element.Listen == "" {
		c.Element.Listen = ":8082"
	}
	if c.Element.Mode == "" {
		c.Element.Mode = types.ModeEdit
	}
	if c.Element.StorageType == "" {
		c.Element.StorageType = types.StorageTypeLocal
	}
	if c.Element.MaxFileBytes == 0 {
		c.Element.MaxFileBytes = 5 << 30
	}

	if c.Query.Listen == "" {
		c.Query.Listen = ":8083"
	}
	if c.Query.L1Size == 0 {
		c.Query.L1Size = 1000
	}
	if c.Query.L1TTL == 0 {
		c.Query.L1TTL = 300 * time.Second
	}
	if c.Query.L2TTL == 0 {
		c.Query.L2TTL = 1800 * time.Second
	}

	if c.Selector.SafetyMargin == 0 {
		c.Selector.SafetyMargin = 1.10
	}
	if c.Selector.MaxRetries == 0 {
		c.Selector.MaxRetries = 3
	}

	if c.GC.ScanInterval == 0 {
		c.GC.ScanInterval = 6 * time.Hour
	}
	if c.GC.SafetyMargin == 0 {
		c.GC.SafetyMargin = 24 * time.Hour
	}
	if c.GC.MaxRetries == 0 {
		c.GC.MaxRetries = 5
	}
	if c.GC.OrphanInterval == 0 {
		c.GC.OrphanInterval = 24 * time.Hour
	}
	if c.GC.OrphanAge == 0 {
		c.GC.OrphanAge = 7 * 24 * time.Hour
	}

	if c.Lockout.Threshold == 0 {
		c.Lockout.Threshold = 5
	}
	if c.Lockout.Duration == 0 {
		c.Lockout.Duration = 15 * time.Minute
	}
}
