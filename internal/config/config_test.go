package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost:5432/listgrowth?sslmode=disable"

redis:
  addr: "redis.internal:6379"
  enabled: true

archive:
  enabled: true
  s3_bucket: "listgrowth-exports"
  s3_region: "us-west-2"

validation:
  check_mx: true
  mx_timeout_seconds: 3
  denied_domains:
    - "competitor.com"

limits:
  max_import_rows: 100000
  max_upload_bytes_mb: 16
  preview_rows: 10
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://localhost:5432/listgrowth?sslmode=disable", cfg.Database.URL)

	// Test redis config
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)

	// Test archive config
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "listgrowth-exports", cfg.Archive.S3Bucket)
	assert.Equal(t, "us-west-2", cfg.Archive.S3Region)

	// Test validation config
	assert.True(t, cfg.Validation.CheckMX)
	assert.Equal(t, 3, cfg.Validation.MXTimeoutSeconds)
	assert.Equal(t, []string{"competitor.com"}, cfg.Validation.DeniedDomains)

	// Test limits config
	assert.Equal(t, 100000, cfg.Limits.MaxImportRows)
	assert.Equal(t, int64(16<<20), cfg.Limits.MaxUploadBytes())
	assert.Equal(t, 10, cfg.Limits.PreviewRows)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/listgrowth"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "us-east-1", cfg.Archive.S3Region)
	assert.Equal(t, 5, cfg.Validation.MXTimeoutSeconds)
	assert.Equal(t, 500000, cfg.Limits.MaxImportRows)
	assert.Equal(t, 64, cfg.Limits.MaxUploadBytesMB)
	assert.Equal(t, 20, cfg.Limits.PreviewRows)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/listgrowth"
redis:
  addr: "file-redis:6379"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("DATABASE_URL", "postgres://env-host/listgrowth")
	os.Setenv("REDIS_ADDR", "env-redis:6379")
	os.Setenv("MAX_IMPORT_ROWS", "250000")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("REDIS_ADDR")
		os.Unsetenv("MAX_IMPORT_ROWS")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/listgrowth", cfg.Database.URL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 250000, cfg.Limits.MaxImportRows)
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://env-only/listgrowth")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	// Defaults plus env overrides, no file required
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres://env-only/listgrowth", cfg.Database.URL)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestMXTimeout(t *testing.T) {
	cfg := ValidationConfig{MXTimeoutSeconds: 3}
	assert.Equal(t, 3*time.Second, cfg.MXTimeout())
}
