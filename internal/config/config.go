// Package config provides configuration management for tenantdb.
// Values start from built-in defaults, are optionally overlaid by a YAML file,
// and are finally overridden by environment variables with the TENANTDB_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/tenantdb/internal/schema"
)

// Config holds all configuration settings for tenantdb.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Session      SessionConfig      `yaml:"session"`
	Redis        RedisConfig        `yaml:"redis"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host           string  `yaml:"host"`            // default: 127.0.0.1
	Port           int     `yaml:"port"`            // default: 7171
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`  // default: 10
	RateLimitBurst int     `yaml:"rate_limit_burst"` // default: 20
	// BootstrapToken authenticates the identity backend when it opens sessions.
	BootstrapToken string `yaml:"bootstrap_token"`
}

// DatabaseConfig describes the shared default database and SQL execution limits.
type DatabaseConfig struct {
	DefaultURL       string        `yaml:"default_url"`       // shared fallback connection string
	Driver           string        `yaml:"driver"`            // postgres or sqlite (default: postgres)
	StatementTimeout time.Duration `yaml:"statement_timeout"` // per DDL/query statement (default: 30s)
	MaxOpenConns     int           `yaml:"max_open_conns"`    // per pooled DSN (default: 10)
}

// ControlPlaneConfig configures the external project/branch/endpoint API.
type ControlPlaneConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`            // default: https://console.neon.tech/api/v2
	Region            string        `yaml:"region"`              // default: aws-us-east-2
	PGVersion         int           `yaml:"pg_version"`          // default: 16
	DatabaseName      string        `yaml:"database_name"`       // default: neondb
	RoleName          string        `yaml:"role_name"`           // default: neondb_owner
	Timeout           time.Duration `yaml:"timeout"`             // per call (default: 20s)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // default: 5
}

// EmbeddingConfig configures the embedding service.
type EmbeddingConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`  // default: https://api.openai.com
	Model     string        `yaml:"model"`     // default: text-embedding-3-small
	Dimension int           `yaml:"dimension"` // must be 1536 with postgres (default: 1536)
	Timeout   time.Duration `yaml:"timeout"`   // default: 30s
}

// RetrievalConfig configures chunking and search defaults.
type RetrievalConfig struct {
	ChunkSize    int `yaml:"chunk_size"`    // runes per chunk (default: 1000)
	ChunkOverlap int `yaml:"chunk_overlap"` // runes shared by neighbours; 0 selects 25% of ChunkSize
	DefaultK     int `yaml:"default_k"`     // default: 4
}

// SessionConfig configures signed session tokens.
type SessionConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TTL       time.Duration `yaml:"ttl"`       // default: 24h
	HashSalt  string        `yaml:"hash_salt"` // salt for tenant id hashing
}

// RedisConfig configures the shared lock and credential cache. When Addr is
// empty both fall back to in-process implementations.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"key_prefix"`     // default: tenantdb:
	LockTTL       time.Duration `yaml:"lock_ttl"`       // default: 2m
	CredentialTTL time.Duration `yaml:"credential_ttl"` // default: 24h
}

// LogConfig configures the logger.
type LogConfig struct {
	Mode string `yaml:"mode"` // development or production (default: development)
}

// LoadConfig loads configuration from defaults and environment variables.
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile loads configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Retrieval.ChunkOverlap == 0 {
		cfg.Retrieval.ChunkOverlap = cfg.Retrieval.ChunkSize / 4
	}
	return cfg, nil
}

// Validate reports configuration errors that make the process unusable.
// A missing control-plane key is not one of them: the server then runs in
// shared-database mode.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.JWTSecret == "" {
		errs = append(errs, errors.New("session.jwt_secret (TENANTDB_JWT_SECRET) is required"))
	}
	if c.Retrieval.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunk_size must be positive, got %d", c.Retrieval.ChunkSize))
	}
	// Loading turns an unset (zero) overlap into 25% of chunk_size, so zero
	// here means the value was never resolved.
	if c.Retrieval.ChunkOverlap <= 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunk_overlap must be in (0, chunk_size), got %d", c.Retrieval.ChunkOverlap))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	// The pgvector column has a fixed width; the in-memory SQLite store does not.
	if c.Database.Driver == "postgres" && c.Embedding.Dimension != schema.EmbeddingDimension {
		errs = append(errs, fmt.Errorf("embedding.dimension must be %d to match documents.embedding, got %d",
			schema.EmbeddingDimension, c.Embedding.Dimension))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ProvisioningEnabled reports whether per-tenant databases can be created.
func (c *Config) ProvisioningEnabled() bool {
	return c.ControlPlane.APIKey != ""
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           7171,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Database: DatabaseConfig{
			Driver:           "postgres",
			StatementTimeout: 30 * time.Second,
			MaxOpenConns:     10,
		},
		ControlPlane: ControlPlaneConfig{
			BaseURL:           "https://console.neon.tech/api/v2",
			Region:            "aws-us-east-2",
			PGVersion:         16,
			DatabaseName:      "neondb",
			RoleName:          "neondb_owner",
			Timeout:           20 * time.Second,
			RequestsPerSecond: 5,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			Timeout:   30 * time.Second,
		},
		Retrieval: RetrievalConfig{
			ChunkSize: 1000,
			DefaultK:  4,
		},
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix:     "tenantdb:",
			LockTTL:       2 * time.Minute,
			CredentialTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Mode: "development",
		},
	}
}

func applyEnv(c *Config) {
	c.Server.Host = getEnv("TENANTDB_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("TENANTDB_PORT", c.Server.Port)
	c.Server.RateLimitRPS = getEnvFloat("TENANTDB_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	c.Server.RateLimitBurst = getEnvInt("TENANTDB_RATE_LIMIT_BURST", c.Server.RateLimitBurst)
	c.Server.BootstrapToken = getEnv("TENANTDB_BOOTSTRAP_TOKEN", c.Server.BootstrapToken)

	c.Database.DefaultURL = getEnv("TENANTDB_DATABASE_URL", c.Database.DefaultURL)
	c.Database.Driver = getEnv("TENANTDB_DATABASE_DRIVER", c.Database.Driver)
	c.Database.StatementTimeout = getEnvDuration("TENANTDB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)
	c.Database.MaxOpenConns = getEnvInt("TENANTDB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)

	c.ControlPlane.APIKey = getEnv("TENANTDB_CONTROL_PLANE_API_KEY", c.ControlPlane.APIKey)
	c.ControlPlane.BaseURL = getEnv("TENANTDB_CONTROL_PLANE_URL", c.ControlPlane.BaseURL)
	c.ControlPlane.Region = getEnv("TENANTDB_CONTROL_PLANE_REGION", c.ControlPlane.Region)
	c.ControlPlane.PGVersion = getEnvInt("TENANTDB_CONTROL_PLANE_PG_VERSION", c.ControlPlane.PGVersion)
	c.ControlPlane.DatabaseName = getEnv("TENANTDB_CONTROL_PLANE_DATABASE", c.ControlPlane.DatabaseName)
	c.ControlPlane.RoleName = getEnv("TENANTDB_CONTROL_PLANE_ROLE", c.ControlPlane.RoleName)
	c.ControlPlane.Timeout = getEnvDuration("TENANTDB_CONTROL_PLANE_TIMEOUT", c.ControlPlane.Timeout)
	c.ControlPlane.RequestsPerSecond = getEnvFloat("TENANTDB_CONTROL_PLANE_RPS", c.ControlPlane.RequestsPerSecond)

	c.Embedding.APIKey = getEnv("TENANTDB_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("TENANTDB_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("TENANTDB_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimension = getEnvInt("TENANTDB_EMBEDDING_DIMENSION", c.Embedding.Dimension)
	c.Embedding.Timeout = getEnvDuration("TENANTDB_EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	c.Retrieval.ChunkSize = getEnvInt("TENANTDB_CHUNK_SIZE", c.Retrieval.ChunkSize)
	c.Retrieval.ChunkOverlap = getEnvInt("TENANTDB_CHUNK_OVERLAP", c.Retrieval.ChunkOverlap)
	c.Retrieval.DefaultK = getEnvInt("TENANTDB_DEFAULT_K", c.Retrieval.DefaultK)

	c.Session.JWTSecret = getEnv("TENANTDB_JWT_SECRET", c.Session.JWTSecret)
	c.Session.TTL = getEnvDuration("TENANTDB_SESSION_TTL", c.Session.TTL)
	c.Session.HashSalt = getEnv("TENANTDB_HASH_SALT", c.Session.HashSalt)

	c.Redis.Addr = getEnv("TENANTDB_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("TENANTDB_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("TENANTDB_REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getEnv("TENANTDB_REDIS_PREFIX", c.Redis.KeyPrefix)
	c.Redis.LockTTL = getEnvDuration("TENANTDB_REDIS_LOCK_TTL", c.Redis.LockTTL)
	c.Redis.CredentialTTL = getEnvDuration("TENANTDB_REDIS_CREDENTIAL_TTL", c.Redis.CredentialTTL)

	c.Log.Mode = getEnv("TENANTDB_LOG_MODE", c.Log.Mode)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the default when the variable is unset or not an integer.
func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax ("30s", "2m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
