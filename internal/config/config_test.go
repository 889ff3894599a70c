package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "./data/core.db", cfg.Database.Path)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)

	assert.Equal(t, "documents", cfg.Qdrant.Collection)
	assert.Equal(t, 1536, cfg.Qdrant.VectorSize)
	assert.True(t, cfg.Qdrant.HealthCheck)

	assert.Equal(t, "text-embedding-3-small", cfg.OpenAI.Model)
	assert.Equal(t, 64, cfg.OpenAI.BatchSize)

	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 1000, cfg.Retry.BaseDelayMs)
	assert.Greater(t, cfg.Retry.BackoffFactor, 1.0)

	require.Contains(t, cfg.RateLimit.Buckets, "embedding")
	assert.Equal(t, 60, cfg.RateLimit.Buckets["embedding"].MaxTokens)

	assert.Equal(t, 1, cfg.GC.IntervalHours)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CORE_PORT", "9090")
	t.Setenv("DB_TYPE", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "coredb")
	t.Setenv("QDRANT_HOST", "qdrant.internal")
	t.Setenv("QDRANT_COLLECTION", "chunks")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RATE_LIMIT_EMBEDDING_MAX_TOKENS", "120")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "coredb", cfg.Database.Database)
	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, "chunks", cfg.Qdrant.Collection)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, 120, cfg.RateLimit.Buckets["embedding"].MaxTokens)
}

func TestLoadConfig_MissingDotEnvIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	_, err = LoadConfig()
	assert.NoError(t, err)
}

func TestValidate_RejectsInvalidPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 70000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestValidate_RejectsUnsupportedDatabaseType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Type = "mysql"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestValidate_RejectsEmptyQdrantCollection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Qdrant.Collection = ""

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsLowBackoffFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.BackoffFactor = 1.0

	err := cfg.Validate()
	require.Error(t, err)
}
