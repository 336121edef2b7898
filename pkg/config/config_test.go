package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// Create temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configData := `
api:
  base_url: "http://docs.internal:8000"
  timeout: 15s
  rate_limit: 5

session:
  store: "postgres"
  profile: "work"

database:
  url: "postgres://localhost:5432/test"
  table_name: "tokens"

cache:
  gc_time: 1m
  retry: 2

chat:
  poll_interval: 500ms

upload:
  display_window: 1s

log:
  level: "debug"
`
	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://docs.internal:8000", config.API.BaseURL)
	assert.Equal(t, 15*time.Second, config.API.Timeout)
	assert.Equal(t, 5.0, config.API.RateLimit)
	assert.Equal(t, "postgres", config.Session.Store)
	assert.Equal(t, "work", config.Session.Profile)
	assert.Equal(t, "postgres://localhost:5432/test", config.Database.URL)
	assert.Equal(t, "tokens", config.Database.TableName)
	assert.Equal(t, time.Minute, config.Cache.GCTime)
	assert.Equal(t, 2, config.CacheRetries())
	assert.Equal(t, 500*time.Millisecond, config.Chat.PollInterval)
	assert.Equal(t, time.Second, config.Upload.DisplayWindow)
	assert.Equal(t, "debug", config.Log.Level)

	// Unset values fall back to defaults
	assert.Equal(t, "127.0.0.1:8080", config.Server.Addr)
	assert.Equal(t, 2.0, config.Scraper.RateLimit)
	assert.Empty(t, config.Validate())
}

func TestDefaults(t *testing.T) {
	config := &Config{}
	applyDefaults(config)

	assert.Equal(t, "http://localhost:8000", config.API.BaseURL)
	assert.Equal(t, "file", config.Session.Store)
	assert.Equal(t, 2*time.Second, config.Chat.PollInterval)
	assert.Equal(t, 3*time.Second, config.Upload.DisplayWindow)
	assert.Equal(t, 5*time.Minute, config.Cache.GCTime)
	assert.Equal(t, 1, config.CacheRetries())
	assert.Empty(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	config := &Config{}
	applyDefaults(config)
	config.API.BaseURL = "invalid-url"
	config.Session.Store = "postgres"
	config.Database.TableName = "tokens; drop table users"
	config.Chat.PollInterval = -time.Second
	config.Log.Level = "loud"

	errors := config.Validate()
	require.Len(t, errors, 5)

	expected := []string{
		"api.base_url: invalid service base URL",
		"database.url: database URL is required for the postgres store",
		"database.table_name: table_name must be a plain SQL identifier",
		"chat.poll_interval: poll_interval must be positive",
		"log.level: unknown log level \"loud\"",
	}
	for i, msg := range expected {
		assert.Contains(t, errors[i].Error(), msg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DOCCHAT_API_URL", "http://env-api:8000")
	t.Setenv("DATABASE_URL", "postgres://env-db:5432/test")
	t.Setenv("DOCCHAT_TOKEN_FILE", "/tmp/docchat-token")
	t.Setenv("DOCCHAT_LOG_LEVEL", "warn")

	config := &Config{}
	mergeWithEnv(config)

	assert.Equal(t, "http://env-api:8000", config.API.BaseURL)
	assert.Equal(t, "postgres://env-db:5432/test", config.Database.URL)
	assert.Equal(t, "/tmp/docchat-token", config.Session.TokenFile)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestCacheRetryCanBeDisabled(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("cache:\n  retry: 0\n"), 0644))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 0, config.CacheRetries())
	assert.Empty(t, config.Validate())

	config.Cache.Retry = nil
	assert.Equal(t, 1, config.CacheRetries())
}
