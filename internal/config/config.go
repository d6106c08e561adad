// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	TokenStoreGorm   = "gorm"
	TokenStorePgx    = "pgx"
	TokenStoreMemory = "memory"

	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

// Config holds all configuration for portalconnect.
type Config struct {
	Env      string `env:"PORTAL_ENV" envDefault:"dev"`
	LogLevel string `env:"PORTAL_LOG_LEVEL" envDefault:"info"`

	// HTTP server. HOST=0.0.0.0 exposes the server on the LAN.
	Host            string        `env:"HOST" envDefault:"127.0.0.1"`
	Port            int           `env:"PORT" envDefault:"8080"`
	BaseURL         string        `env:"PORTAL_BASE_URL"`
	ShutdownTimeout time.Duration `env:"PORTAL_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// AdminPassword guards /admin with basic auth. Admin routes are
	// disabled when it is empty.
	AdminPassword string `env:"PORTAL_ADMIN_PASSWORD"`
	// RequireAPIKey guards /api with the generated portal API key.
	RequireAPIKey bool `env:"PORTAL_REQUIRE_API_KEY" envDefault:"true"`

	ProvidersFile string `env:"PORTAL_PROVIDERS_FILE"`

	// gorm database: config table, audit log and the default token store.
	DBDialect string `env:"PORTAL_DB_DIALECT" envDefault:"sqlite"`
	DBDSN     string `env:"PORTAL_DB_DSN" envDefault:"portal.db"`
	DBDebug   bool   `env:"PORTAL_DB_DEBUG" envDefault:"false"`

	// TokenStore selects the token store backend: gorm, pgx or memory.
	TokenStore string `env:"PORTAL_TOKEN_STORE" envDefault:"gorm"`
	// PostgresDSN is used by the pgx token store and the postgres lock.
	PostgresDSN string `env:"PORTAL_PG_DSN"`
	// TokenCacheTTL caches token reads in process; zero disables the cache.
	TokenCacheTTL time.Duration `env:"PORTAL_TOKEN_CACHE_TTL" envDefault:"30s"`

	// LockBackend serializes refreshes across instances: local, redis or postgres.
	LockBackend   string        `env:"PORTAL_LOCK_BACKEND" envDefault:"local"`
	LockTTL       time.Duration `env:"PORTAL_LOCK_TTL" envDefault:"30s"`
	RedisAddr     string        `env:"PORTAL_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"PORTAL_REDIS_PASSWORD"`
	RedisDB       int           `env:"PORTAL_REDIS_DB" envDefault:"0"`
}

// Load reads .env (when present) and the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes enum fields and checks cross-field requirements.
func (c *Config) Validate() error {
	c.TokenStore = strings.ToLower(strings.TrimSpace(c.TokenStore))
	c.LockBackend = strings.ToLower(strings.TrimSpace(c.LockBackend))
	c.DBDialect = strings.ToLower(strings.TrimSpace(c.DBDialect))
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.TokenStore {
	case TokenStoreGorm, TokenStoreMemory:
	case TokenStorePgx:
		if c.PostgresDSN == "" {
			return errors.New("PORTAL_PG_DSN is required for the pgx token store")
		}
	default:
		return fmt.Errorf("unsupported PORTAL_TOKEN_STORE %q", c.TokenStore)
	}
	switch c.LockBackend {
	case LockLocal, LockRedis:
	case LockPostgres:
		if c.PostgresDSN == "" {
			return errors.New("PORTAL_PG_DSN is required for the postgres lock backend")
		}
	default:
		return fmt.Errorf("unsupported PORTAL_LOCK_BACKEND %q", c.LockBackend)
	}
	if c.TokenCacheTTL < 0 {
		return fmt.Errorf("PORTAL_TOKEN_CACHE_TTL must not be negative")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("PORTAL_LOCK_TTL must be positive")
	}
	if c.IsProd() && c.AdminPassword == "" {
		return errors.New("PORTAL_ADMIN_PASSWORD must be set in prod")
	}
	return nil
}

// IsProd reports whether the process runs with production settings.
func (c *Config) IsProd() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
