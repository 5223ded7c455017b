package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Validation ValidationConfig `yaml:"validation"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL falls back
// to the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds Redis configuration for karma award signals
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// ArchiveConfig holds S3 export archival configuration
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ValidationConfig holds email validation settings
type ValidationConfig struct {
	CheckMX          bool     `yaml:"check_mx"`
	MXTimeoutSeconds int      `yaml:"mx_timeout_seconds"`
	AllowedDomains   []string `yaml:"allowed_domains"`
	DeniedDomains    []string `yaml:"denied_domains"`
	DisposableExtra  []string `yaml:"disposable_extra"`
}

// MXTimeout returns the configured MX lookup timeout as a duration
func (c ValidationConfig) MXTimeout() time.Duration {
	return time.Duration(c.MXTimeoutSeconds) * time.Second
}

// LimitsConfig holds ingestion size limits and the repository creation
// reputation gate
type LimitsConfig struct {
	MaxImportRows       int     `yaml:"max_import_rows"`
	MaxUploadBytesMB    int     `yaml:"max_upload_bytes_mb"`
	PreviewRows         int     `yaml:"preview_rows"`
	MinCreateReputation float64 `yaml:"min_create_reputation"`
}

// MaxUploadBytes returns the upload cap in bytes
func (c LimitsConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadBytesMB) << 20
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Archive.S3Region == "" {
		cfg.Archive.S3Region = "us-east-1"
	}
	if cfg.Validation.MXTimeoutSeconds == 0 {
		cfg.Validation.MXTimeoutSeconds = 5
	}
	if cfg.Limits.MaxImportRows == 0 {
		cfg.Limits.MaxImportRows = 500000
	}
	if cfg.Limits.MaxUploadBytesMB == 0 {
		cfg.Limits.MaxUploadBytesMB = 64
	}
	if cfg.Limits.PreviewRows == 0 {
		cfg.Limits.PreviewRows = 20
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &Config{}
		applyDefaults(cfg)
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if bucket := os.Getenv("ARCHIVE_S3_BUCKET"); bucket != "" {
		cfg.Archive.S3Bucket = bucket
		cfg.Archive.Enabled = true
	}
	if region := os.Getenv("ARCHIVE_S3_REGION"); region != "" {
		cfg.Archive.S3Region = region
	}
	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
		cfg.Archive.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
		cfg.Archive.SecretKey = secretKey
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if maxRows := os.Getenv("MAX_IMPORT_ROWS"); maxRows != "" {
		if n, err := strconv.Atoi(maxRows); err == nil && n > 0 {
			cfg.Limits.MaxImportRows = n
		}
	}

	return cfg, nil
}
