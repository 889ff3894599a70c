// Package config provides configuration management for the ingestion and
// retrieval server, handling environment variables and runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Qdrant    QdrantConfig    `json:"qdrant"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Retry     RetryConfig     `json:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	GC        GCConfig        `json:"gc"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
	ContentDir   string `json:"content_dir"`
}

// DatabaseConfig configures the relational store. Type selects
// between the sqlite and postgres backends behind the same interface.
type DatabaseConfig struct {
	Type            string        `json:"type"` // "sqlite" or "postgres"
	Path            string        `json:"path"` // sqlite file path
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"-"`
	Database        string        `json:"database"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrationsPath  string        `json:"migrations_path"`
}

// QdrantConfig configures the vector store client.
type QdrantConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	APIKey         string `json:"-"`
	UseTLS         bool   `json:"use_tls"`
	Collection     string `json:"collection"`
	VectorSize     int    `json:"vector_size"`
	HealthCheck    bool   `json:"health_check"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// OpenAIConfig configures the embedding provider.
type OpenAIConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"-"`
	Model          string `json:"model"`
	BatchSize      int    `json:"batch_size"`
	RequestTimeout int    `json:"request_timeout_seconds"`
}

// RetryConfig holds the default backoff strategy used by the retry
// scheduler.
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`
	BaseDelayMs   int     `json:"base_delay_ms"`
	BackoffFactor float64 `json:"backoff_factor"`
	MaxDelayMs    int     `json:"max_delay_ms"`
	Jitter        float64 `json:"jitter"`
}

// BucketConfig is the default shape of a single rate-limit bucket.
type BucketConfig struct {
	MaxTokens    int     `json:"max_tokens"`
	RefillPerSec float64 `json:"refill_per_sec"`
	Enabled      bool    `json:"enabled"`
}

// RateLimitConfig holds per-key bucket defaults, keyed by the bucket's
// logical purpose (e.g. "embedding", "vector_upsert"). RedisAddr, when
// set, switches the limiter to the shared Redis-backed buckets so
// multiple instances draw from the same external quotas.
type RateLimitConfig struct {
	Buckets   map[string]BucketConfig `json:"buckets"`
	RedisAddr string                  `json:"redis_addr,omitempty"`
}

// GCConfig configures the periodic sweep that deletes completed (SYNCED)
// sync jobs older than one interval.
type GCConfig struct {
	IntervalHours int `json:"interval_hours"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"; loaded but not passed to the logger, which reads LOG_JSON
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 30,
			ContentDir:   "./data/content",
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			Path:            "./data/core.db",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsPath:  "./migrations",
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			UseTLS:         false,
			Collection:     "documents",
			VectorSize:     1536,
			HealthCheck:    true,
			TimeoutSeconds: 10,
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			BatchSize:      64,
			RequestTimeout: 30,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelayMs:   1000,
			BackoffFactor: 2.0,
			MaxDelayMs:    60000,
			Jitter:        0.1,
		},
		RateLimit: RateLimitConfig{
			Buckets: map[string]BucketConfig{
				"embedding":     {MaxTokens: 60, RefillPerSec: 1.0, Enabled: true},
				"vector_upsert": {MaxTokens: 300, RefillPerSec: 5.0, Enabled: true},
				"vector_delete": {MaxTokens: 300, RefillPerSec: 5.0, Enabled: true},
			},
		},
		GC: GCConfig{
			IntervalHours: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads a local .env (if present), seeds defaults, overlays
// environment variables and validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadServerConfig(cfg)
	loadDatabaseConfig(cfg)
	loadQdrantConfig(cfg)
	loadOpenAIConfig(cfg)
	loadRetryConfig(cfg)
	loadRateLimitConfig(cfg)
	loadGCConfig(cfg)
	loadLoggingConfig(cfg)
}

func loadServerConfig(cfg *Config) {
	cfg.Server.Port = getIntEnvWithDefault("CORE_PORT", cfg.Server.Port)
	cfg.Server.Host = getStringEnvWithDefault("CORE_HOST", cfg.Server.Host)
	cfg.Server.ReadTimeout = getIntEnvWithDefault("CORE_READ_TIMEOUT_SECONDS", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getIntEnvWithDefault("CORE_WRITE_TIMEOUT_SECONDS", cfg.Server.WriteTimeout)
	cfg.Server.ContentDir = getStringEnvWithDefault("CORE_CONTENT_DIR", cfg.Server.ContentDir)
}

func loadDatabaseConfig(cfg *Config) {
	cfg.Database.Type = getStringEnvWithDefault("DB_TYPE", cfg.Database.Type)
	cfg.Database.Path = getStringEnvWithDefault("DB_PATH", cfg.Database.Path)
	cfg.Database.Host = getStringEnvWithDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getIntEnvWithDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getStringEnvWithDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getStringEnvWithDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getStringEnvWithDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getStringEnvWithDefault("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxOpenConns = getIntEnvWithDefault("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getIntEnvWithDefault("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	if v := os.Getenv("DB_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.ConnMaxLifetime = d
		}
	}
	cfg.Database.MigrationsPath = getStringEnvWithDefault("DB_MIGRATIONS_PATH", cfg.Database.MigrationsPath)
}

func loadQdrantConfig(cfg *Config) {
	cfg.Qdrant.Host = getStringEnvWithDefault("QDRANT_HOST", cfg.Qdrant.Host)
	cfg.Qdrant.Port = getIntEnvWithDefault("QDRANT_PORT", cfg.Qdrant.Port)
	cfg.Qdrant.APIKey = getStringEnvWithDefault("QDRANT_API_KEY", cfg.Qdrant.APIKey)
	cfg.Qdrant.UseTLS = getBoolEnvWithDefault("QDRANT_USE_TLS", cfg.Qdrant.UseTLS)
	cfg.Qdrant.Collection = getStringEnvWithDefault("QDRANT_COLLECTION", cfg.Qdrant.Collection)
	cfg.Qdrant.VectorSize = getIntEnvWithDefault("QDRANT_VECTOR_SIZE", cfg.Qdrant.VectorSize)
	cfg.Qdrant.HealthCheck = getBoolEnvWithDefault("QDRANT_HEALTH_CHECK", cfg.Qdrant.HealthCheck)
	cfg.Qdrant.TimeoutSeconds = getIntEnvWithDefault("QDRANT_TIMEOUT_SECONDS", cfg.Qdrant.TimeoutSeconds)
}

func loadOpenAIConfig(cfg *Config) {
	cfg.OpenAI.BaseURL = getStringEnvWithDefault("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.APIKey = getStringEnvWithDefault("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.Model = getStringEnvWithDefault("OPENAI_EMBEDDING_MODEL", cfg.OpenAI.Model)
	cfg.OpenAI.BatchSize = getIntEnvWithDefault("OPENAI_BATCH_SIZE", cfg.OpenAI.BatchSize)
	cfg.OpenAI.RequestTimeout = getIntEnvWithDefault("OPENAI_REQUEST_TIMEOUT_SECONDS", cfg.OpenAI.RequestTimeout)
}

func loadRetryConfig(cfg *Config) {
	cfg.Retry.MaxRetries = getIntEnvWithDefault("RETRY_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelayMs = getIntEnvWithDefault("RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelayMs)
	cfg.Retry.MaxDelayMs = getIntEnvWithDefault("RETRY_MAX_DELAY_MS", cfg.Retry.MaxDelayMs)
	if v := os.Getenv("RETRY_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.BackoffFactor = f
		}
	}
	if v := os.Getenv("RETRY_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.Jitter = f
		}
	}
}

func loadRateLimitConfig(cfg *Config) {
	for key, bucket := range cfg.RateLimit.Buckets {
		prefix := "RATE_LIMIT_" + envKey(key) + "_"
		bucket.MaxTokens = getIntEnvWithDefault(prefix+"MAX_TOKENS", bucket.MaxTokens)
		if v := os.Getenv(prefix + "REFILL_PER_SEC"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				bucket.RefillPerSec = f
			}
		}
		bucket.Enabled = getBoolEnvWithDefault(prefix+"ENABLED", bucket.Enabled)
		cfg.RateLimit.Buckets[key] = bucket
	}
	cfg.RateLimit.RedisAddr = getStringEnvWithDefault("RATE_LIMIT_REDIS_ADDR", cfg.RateLimit.RedisAddr)
}

func loadGCConfig(cfg *Config) {
	cfg.GC.IntervalHours = getIntEnvWithDefault("GC_INTERVAL_HOURS", cfg.GC.IntervalHours)
}

func loadLoggingConfig(cfg *Config) {
	cfg.Logging.Level = getStringEnvWithDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getStringEnvWithDefault("LOG_FORMAT", cfg.Logging.Format)
}

func envKey(key string) string {
	out := make([]byte, 0, len(key))
	for _, r := range key {
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-32))
		} else if r == '-' {
			out = append(out, '_')
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

func getStringEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnvWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks invariants the rest of the system assumes hold.
func (c *Config) Validate() error {
	if err := c.validateServerConfig(); err != nil {
		return err
	}
	if err := c.validateDatabaseConfig(); err != nil {
		return err
	}
	if err := c.validateQdrantConfig(); err != nil {
		return err
	}
	if err := c.validateOpenAIConfig(); err != nil {
		return err
	}
	if err := c.validateRetryConfig(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return errors.New("server host cannot be empty")
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path cannot be empty for sqlite backend")
		}
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database host cannot be empty for postgres backend")
		}
		if c.Database.Database == "" {
			return errors.New("database name cannot be empty for postgres backend")
		}
	default:
		return fmt.Errorf("unsupported database type: %q (want sqlite or postgres)", c.Database.Type)
	}
	if c.Database.MaxOpenConns < 1 {
		return errors.New("database max_open_conns must be at least 1")
	}
	return nil
}

func (c *Config) validateQdrantConfig() error {
	if c.Qdrant.Host == "" {
		return errors.New("qdrant host cannot be empty")
	}
	if c.Qdrant.Collection == "" {
		return errors.New("qdrant collection cannot be empty")
	}
	if c.Qdrant.VectorSize < 1 {
		return errors.New("qdrant vector_size must be positive")
	}
	return nil
}

func (c *Config) validateOpenAIConfig() error {
	if c.OpenAI.BatchSize < 1 {
		return errors.New("openai batch_size must be at least 1")
	}
	return nil
}

func (c *Config) validateRetryConfig() error {
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry max_retries cannot be negative")
	}
	if c.Retry.BackoffFactor <= 1.0 {
		return errors.New("retry backoff_factor must be greater than 1.0")
	}
	return nil
}
