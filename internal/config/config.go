// Package config replaces the source's global config singleton
// (config.storage_provider, get_provider()) with an explicit context
// object threaded through the worker and handlers (spec.md §9). Tests
// swap substrates by constructing a different Config, not by mutating
// package state.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderSpec is one row of the embedding-provider table: provider id ->
// dimension, endpoint, credential reference (spec.md §6).
type ProviderSpec struct {
	ID              string `yaml:"id"`
	Dimension       int    `yaml:"dimension"`
	Endpoint        string `yaml:"endpoint"`
	CredentialRef   string `yaml:"credential_ref"`
	RequiresAPIKey  bool   `yaml:"requires_api_key"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
}

// Config is the explicit, non-global configuration object passed into the
// Dreaming Worker, the Tenant Repository, and the REM engine at
// construction time.
type Config struct {
	SQLiteDSN  string `yaml:"sqlite_dsn"`
	BadgerPath string `yaml:"badger_path"`
	RedisURL   string `yaml:"redis_url"`

	DefaultTable   string `yaml:"default_table"`
	LookupScanSize int    `yaml:"lookup_scan_size"`

	Providers []ProviderSpec `yaml:"providers"`

	CompactionInterval time.Duration `yaml:"compaction_interval"`
	MaxJobAttempts     int           `yaml:"max_job_attempts"`

	SlackBotTokenRef string `yaml:"slack_bot_token_ref"`
}

// Default returns a Config usable for local development and tests: an
// on-disk SQLite file, a Badger directory under the OS temp dir, and no
// Redis cache (callers may still set RedisURL explicitly).
func Default() *Config {
	return &Config{
		SQLiteDSN:          "p8fs.db",
		BadgerPath:         os.TempDir() + "/p8fs-badger",
		DefaultTable:       "resources",
		LookupScanSize:     100,
		CompactionInterval: time.Hour,
		MaxJobAttempts:     3,
		Providers: []ProviderSpec{
			{ID: "local-text", Dimension: 384, RequestsPerSec: 1000},
		},
	}
}

// Load reads a YAML config file and overlays it on Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

type tenantKey struct{}
type userKey struct{}

// WithTenant attaches the authenticated tenant/user identity to ctx. The
// auth boundary (spec.md §6) is the only legitimate caller: the core never
// derives a tenant from the network path, only from this accessor.
func WithTenant(ctx context.Context, tenantID, userID string) context.Context {
	ctx = context.WithValue(ctx, tenantKey{}, tenantID)
	ctx = context.WithValue(ctx, userKey{}, userID)
	return ctx
}

// Tenant reads the tenant/user identity previously attached with
// WithTenant. ok is false (never a zero-value tenant) when none is present.
func Tenant(ctx context.Context) (tenantID, userID string, ok bool) {
	tenantID, _ = ctx.Value(tenantKey{}).(string)
	userID, _ = ctx.Value(userKey{}).(string)
	return tenantID, userID, tenantID != ""
}
