// Package config loads and validates all runtime configuration for the sync
// service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example METADATA_TTL becomes
// metadata_ttl in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// store with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the admin HTTP server (healthz, metrics) listens
	// on. Default: 8080.
	Port int

	// WSPort is the TCP port the websocket listener binds. Default: 8081.
	WSPort int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Redis holds the connection URL for the Redis-backed state mirror.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache selects the state-mirror backend.
	Cache CacheConfig

	// TTL holds the expiry policy for every key family.
	TTL TTLConfig

	// Watchdog holds the stream supervision timeouts.
	Watchdog WatchdogConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig selects the state-mirror backend.
type CacheConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed mirror (requires REDIS_URL). Recommended for
	//              multi-replica deployments.
	//   "memory" — In-process TTL store. No external deps; not shared across
	//              replicas.
	// Default: "memory".
	Mode string
}

// TTLConfig holds the expiry policy for every key family. The store enforces
// these, not the application — an entry that outlives its TTL simply
// disappears and is re-derived from the system of record on the next miss.
type TTLConfig struct {
	// Metadata is the lifetime of a live chat metadata record, refreshed on
	// every write. Default: 30m.
	Metadata time.Duration

	// Tombstone is the lifetime of a deletion marker. Deliberately shorter
	// than Metadata: the tombstone only needs to outlive other devices'
	// stale views of the record it replaced. Default: 10m.
	Tombstone time.Duration

	// Index is the lifetime of the per-user chat-id set. Default: 24h.
	Index time.Duration

	// ActiveLRU is the lifetime of the per-user active-chats list.
	// Default: 24h.
	ActiveLRU time.Duration

	// DailyStats is the lifetime of one day's counter hash. 48h survives one
	// missed daily flush before expiring. Default: 48h.
	DailyStats time.Duration

	// Viewed is the retention of per-item viewed markers, bounding the
	// generation scheduler's dedup window. Default: 720h (30 days).
	Viewed time.Duration
}

// WatchdogConfig holds the stream supervision timeouts. The reasoning
// variants apply to slow-start generative backends with longer and more
// variable latency before and between chunks.
type WatchdogConfig struct {
	// FirstChunk is how long to wait for the first chunk of a stream.
	// Default: 10s.
	FirstChunk time.Duration

	// InterChunk is how long to wait between consecutive chunks, measured
	// from the previous chunk. A value ≤ 0 disables the guard (unbounded
	// wait — legacy behaviour). Default: 30s.
	InterChunk time.Duration

	// ReasoningFirstChunk replaces FirstChunk for reasoning models.
	// Default: 60s.
	ReasoningFirstChunk time.Duration

	// ReasoningInterChunk replaces InterChunk for reasoning models.
	// Default: 90s.
	ReasoningInterChunk time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("WS_PORT", 8081)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")

	// TTL defaults.
	v.SetDefault("METADATA_TTL", "30m")
	v.SetDefault("TOMBSTONE_TTL", "10m")
	v.SetDefault("INDEX_TTL", "24h")
	v.SetDefault("ACTIVE_LRU_TTL", "24h")
	v.SetDefault("DAILY_STATS_TTL", "48h")
	v.SetDefault("VIEWED_TTL", "720h")

	// Watchdog defaults.
	v.SetDefault("FIRST_CHUNK_TIMEOUT", "10s")
	v.SetDefault("INTER_CHUNK_TIMEOUT", "30s")
	v.SetDefault("REASONING_FIRST_CHUNK_TIMEOUT", "60s")
	v.SetDefault("REASONING_INTER_CHUNK_TIMEOUT", "90s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		WSPort:   v.GetInt("WS_PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		TTL: TTLConfig{
			Metadata:   v.GetDuration("METADATA_TTL"),
			Tombstone:  v.GetDuration("TOMBSTONE_TTL"),
			Index:      v.GetDuration("INDEX_TTL"),
			ActiveLRU:  v.GetDuration("ACTIVE_LRU_TTL"),
			DailyStats: v.GetDuration("DAILY_STATS_TTL"),
			Viewed:     v.GetDuration("VIEWED_TTL"),
		},

		Watchdog: WatchdogConfig{
			FirstChunk:          v.GetDuration("FIRST_CHUNK_TIMEOUT"),
			InterChunk:          v.GetDuration("INTER_CHUNK_TIMEOUT"),
			ReasoningFirstChunk: v.GetDuration("REASONING_FIRST_CHUNK_TIMEOUT"),
			ReasoningInterChunk: v.GetDuration("REASONING_INTER_CHUNK_TIMEOUT"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process store",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// TTL sanity checks. The tombstone must age out before the live record it
	// replaced would have, otherwise a resurrected chat could still read as
	// deleted.
	ttls := []struct {
		name string
		d    time.Duration
	}{
		{"METADATA_TTL", c.TTL.Metadata},
		{"TOMBSTONE_TTL", c.TTL.Tombstone},
		{"INDEX_TTL", c.TTL.Index},
		{"ACTIVE_LRU_TTL", c.TTL.ActiveLRU},
		{"DAILY_STATS_TTL", c.TTL.DailyStats},
		{"VIEWED_TTL", c.TTL.Viewed},
	}
	for _, t := range ttls {
		if t.d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", t.name)
		}
	}
	if c.TTL.Tombstone > c.TTL.Metadata {
		return fmt.Errorf(
			"config: TOMBSTONE_TTL (%s) must not exceed METADATA_TTL (%s)",
			c.TTL.Tombstone, c.TTL.Metadata,
		)
	}

	// Watchdog sanity checks. InterChunk ≤ 0 is allowed (guard disabled);
	// FirstChunk is not optional — a never-starting stream must always fail.
	if c.Watchdog.FirstChunk <= 0 {
		return fmt.Errorf("config: FIRST_CHUNK_TIMEOUT must be a positive duration")
	}
	if c.Watchdog.ReasoningFirstChunk <= 0 {
		return fmt.Errorf("config: REASONING_FIRST_CHUNK_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
