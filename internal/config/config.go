// Package config loads runtime configuration for the sync engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the sync engine.
type Config struct {
	Env     string
	DataDir string

	// Tenants synced by this device. The first entry is the default.
	Tenants []string

	// Collaborators. An empty RemoteURL selects the in-memory remote store.
	RemoteURL     string
	RealtimeURL   string
	// RealtimeToken is sent as a bearer token to RealtimeURL.
	RealtimeToken string
	RedisURL      string
	HTTPAddr      string

	LogLevel string
	LogFile  string

	Sync SyncConfig
}

// SyncConfig holds the tuning knobs of the pull/push engines and scheduler.
type SyncConfig struct {
	PageSize           int
	MessagePageSize    int
	PushBatchSize      int
	PushWindow         time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	ReferentialRetries int
	ReferentialDelay   time.Duration
	ActiveCooldown     time.Duration
	IdleCooldown       time.Duration
	ActiveDebounce     time.Duration
	IdleDebounce       time.Duration
	MaxJitter          time.Duration
	PeriodicInterval   time.Duration
	RoundTimeout       time.Duration
}

// DefaultSyncConfig returns the default sync tuning.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:           50,
		MessagePageSize:    200,
		PushBatchSize:      100,
		PushWindow:         7 * 24 * time.Hour,
		MaxAttempts:        3,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         8 * time.Second,
		ReferentialRetries: 2,
		ReferentialDelay:   300 * time.Millisecond,
		ActiveCooldown:     30 * time.Second,
		IdleCooldown:       180 * time.Second,
		ActiveDebounce:     time.Second,
		IdleDebounce:       3 * time.Second,
		MaxJitter:          500 * time.Millisecond,
		PeriodicInterval:   5 * time.Minute,
		RoundTimeout:       2 * time.Minute,
	}
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := DefaultSyncConfig()
	cfg := &Config{
		Env:           getEnv("NOVA_ENV", "development"),
		DataDir:       getEnv("NOVA_DATA_DIR", "./data"),
		RemoteURL:     os.Getenv("NOVA_REMOTE_URL"),
		RealtimeURL:   os.Getenv("NOVA_REALTIME_URL"),
		RealtimeToken: os.Getenv("NOVA_REALTIME_TOKEN"),
		RedisURL:      os.Getenv("NOVA_REDIS_URL"),
		HTTPAddr:      getEnv("NOVA_HTTP_ADDR", "127.0.0.1:8090"),
		LogLevel:      getEnv("NOVA_LOG_LEVEL", "info"),
		LogFile:       os.Getenv("NOVA_LOG_FILE"),
	}

	for _, tenant := range strings.Split(os.Getenv("NOVA_TENANTS"), ",") {
		tenant = strings.TrimSpace(tenant)
		if tenant != "" {
			cfg.Tenants = append(cfg.Tenants, tenant)
		}
	}

	var errs []string
	intVar := func(key string, def int) int {
		v, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg.Sync = SyncConfig{
		PageSize:           intVar("NOVA_SYNC_PAGE_SIZE", def.PageSize),
		MessagePageSize:    intVar("NOVA_SYNC_MESSAGE_PAGE_SIZE", def.MessagePageSize),
		PushBatchSize:      intVar("NOVA_SYNC_PUSH_BATCH_SIZE", def.PushBatchSize),
		PushWindow:         durVar("NOVA_SYNC_PUSH_WINDOW", def.PushWindow),
		MaxAttempts:        intVar("NOVA_SYNC_MAX_ATTEMPTS", def.MaxAttempts),
		BaseBackoff:        durVar("NOVA_SYNC_BASE_BACKOFF", def.BaseBackoff),
		MaxBackoff:         durVar("NOVA_SYNC_MAX_BACKOFF", def.MaxBackoff),
		ReferentialRetries: intVar("NOVA_SYNC_REFERENTIAL_RETRIES", def.ReferentialRetries),
		ReferentialDelay:   durVar("NOVA_SYNC_REFERENTIAL_DELAY", def.ReferentialDelay),
		ActiveCooldown:     durVar("NOVA_SYNC_ACTIVE_COOLDOWN", def.ActiveCooldown),
		IdleCooldown:       durVar("NOVA_SYNC_IDLE_COOLDOWN", def.IdleCooldown),
		ActiveDebounce:     durVar("NOVA_SYNC_ACTIVE_DEBOUNCE", def.ActiveDebounce),
		IdleDebounce:       durVar("NOVA_SYNC_IDLE_DEBOUNCE", def.IdleDebounce),
		MaxJitter:          durVar("NOVA_SYNC_MAX_JITTER", def.MaxJitter),
		PeriodicInterval:   durVar("NOVA_SYNC_PERIODIC_INTERVAL", def.PeriodicInterval),
		RoundTimeout:       durVar("NOVA_SYNC_ROUND_TIMEOUT", def.RoundTimeout),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants between settings.
func (c *Config) Validate() error {
	s := c.Sync
	switch {
	case s.PageSize <= 0 || s.MessagePageSize <= 0 || s.PushBatchSize <= 0:
		return fmt.Errorf("page and batch sizes must be positive")
	case s.MaxAttempts < 1:
		return fmt.Errorf("NOVA_SYNC_MAX_ATTEMPTS must be at least 1")
	case s.ReferentialRetries < 0:
		return fmt.Errorf("NOVA_SYNC_REFERENTIAL_RETRIES must not be negative")
	case s.MaxBackoff < s.BaseBackoff:
		return fmt.Errorf("NOVA_SYNC_MAX_BACKOFF must be >= NOVA_SYNC_BASE_BACKOFF")
	case s.ActiveCooldown > s.IdleCooldown:
		return fmt.Errorf("active cooldown must not exceed idle cooldown")
	case s.ActiveDebounce > s.IdleDebounce:
		return fmt.Errorf("active debounce must not exceed idle debounce")
	}
	if c.Env == "production" && c.RemoteURL == "" {
		return fmt.Errorf("NOVA_REMOTE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DefaultTenant returns the first configured tenant, or "".
func (c *Config) DefaultTenant() string {
	if len(c.Tenants) == 0 {
		return ""
	}
	return c.Tenants[0]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}
