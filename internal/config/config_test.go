package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NOVA_ENV", "development")
	t.Setenv("NOVA_TENANTS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultSyncConfig(), cfg.Sync)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "", cfg.DefaultTenant())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NOVA_TENANTS", "alice, bob,")
	t.Setenv("NOVA_SYNC_PAGE_SIZE", "20")
	t.Setenv("NOVA_SYNC_IDLE_COOLDOWN", "10m")
	t.Setenv("NOVA_REMOTE_URL", "postgres://localhost/nova")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, cfg.Tenants)
	assert.Equal(t, "alice", cfg.DefaultTenant())
	assert.Equal(t, 20, cfg.Sync.PageSize)
	assert.Equal(t, 10*time.Minute, cfg.Sync.IdleCooldown)
	assert.Equal(t, "postgres://localhost/nova", cfg.RemoteURL)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("NOVA_SYNC_PAGE_SIZE", "many")
	t.Setenv("NOVA_SYNC_ACTIVE_DEBOUNCE", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOVA_SYNC_PAGE_SIZE")
	assert.Contains(t, err.Error(), "NOVA_SYNC_ACTIVE_DEBOUNCE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero page size", func(c *Config) { c.Sync.PageSize = 0 }, true},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, true},
		{"backoff inverted", func(c *Config) { c.Sync.MaxBackoff = time.Millisecond }, true},
		{"cooldown inverted", func(c *Config) { c.Sync.ActiveCooldown = time.Hour }, true},
		{"production without remote", func(c *Config) { c.Env = "production" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Env: "development", Sync: DefaultSyncConfig()}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
