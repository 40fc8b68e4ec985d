// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	// Workspace
	WorkspaceRoot     string        `yaml:"workspace_root"`
	MetadataDir       string        `yaml:"metadata_dir"`
	DefaultCharset    string        `yaml:"default_charset"`
	CollapseThreshold int           `yaml:"collapse_threshold"`
	AutoBuild         bool          `yaml:"auto_build"`
	AutoBuildDelay    time.Duration `yaml:"auto_build_delay"`
	AutoRefresh       bool          `yaml:"auto_refresh"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`

	// Content store ("memory", "local" or "s3")
	ContentBackend   string `yaml:"content_backend"`
	LocalContentPath string `yaml:"local_content_path"`
	CompressContent  bool   `yaml:"compress_content"`
	S3Endpoint       string `yaml:"s3_endpoint"`
	S3Bucket         string `yaml:"s3_bucket"`
	S3AccessKey      string `yaml:"s3_access_key"`
	S3SecretKey      string `yaml:"s3_secret_key"`
	S3Region         string `yaml:"s3_region"`

	// Persistence ("file" or "postgres")
	PersistBackend string `yaml:"persist_backend"`
	DatabaseURL    string `yaml:"database_url"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		WorkspaceRoot:     "./workspace",
		DefaultCharset:    "UTF-8",
		CollapseThreshold: 512,
		AutoBuild:         true,
		AutoBuildDelay:    100 * time.Millisecond,
		AutoRefresh:       true,
		RefreshInterval:   5 * time.Second,
		ContentBackend:    "local",
		S3Endpoint:        "http://localhost:9000",
		S3Bucket:          "resources",
		S3Region:          "us-east-1",
		PersistBackend:    "file",
		LogLevel:          "info",
		LogFormat:         "json",
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
	}
}

// Load reads the file named by RESOURCES_CONFIG, if any, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("RESOURCES_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.WorkspaceRoot = envOr("WORKSPACE_ROOT", c.WorkspaceRoot)
	c.MetadataDir = envOr("METADATA_DIR", c.MetadataDir)
	c.DefaultCharset = envOr("DEFAULT_CHARSET", c.DefaultCharset)
	c.CollapseThreshold = envInt("COLLAPSE_THRESHOLD", c.CollapseThreshold)
	c.AutoBuild = envBool("AUTO_BUILD", c.AutoBuild)
	c.AutoBuildDelay = envDuration("AUTO_BUILD_DELAY", c.AutoBuildDelay)
	c.AutoRefresh = envBool("AUTO_REFRESH", c.AutoRefresh)
	c.RefreshInterval = envDuration("REFRESH_INTERVAL", c.RefreshInterval)
	c.ContentBackend = envOr("CONTENT_BACKEND", c.ContentBackend)
	c.LocalContentPath = envOr("LOCAL_CONTENT_PATH", c.LocalContentPath)
	c.CompressContent = envBool("COMPRESS_CONTENT", c.CompressContent)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.PersistBackend = envOr("PERSIST_BACKEND", c.PersistBackend)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// fillDerived sets paths that default relative to the workspace root.
func (c *Config) fillDerived() {
	if c.MetadataDir == "" {
		c.MetadataDir = filepath.Join(c.WorkspaceRoot, ".metadata")
	}
	if c.LocalContentPath == "" {
		c.LocalContentPath = filepath.Join(c.MetadataDir, "content")
	}
}

// SetWorkspaceRoot moves the workspace root. Paths that were derived
// from the old root follow it.
func (c *Config) SetWorkspaceRoot(root string) {
	oldMeta := filepath.Join(c.WorkspaceRoot, ".metadata")
	if c.MetadataDir == oldMeta {
		if c.LocalContentPath == filepath.Join(oldMeta, "content") {
			c.LocalContentPath = ""
		}
		c.MetadataDir = ""
	}
	c.WorkspaceRoot = root
	c.fillDerived()
}

// StatePath is the file holding the saved workspace state.
func (c *Config) StatePath() string {
	return filepath.Join(c.MetadataDir, "workspace.state")
}

// Validate checks option combinations.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	switch c.ContentBackend {
	case "memory", "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 content backend")
		}
	default:
		return fmt.Errorf("unknown content backend %q", c.ContentBackend)
	}
	switch c.PersistBackend {
	case "file":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres persist backend")
		}
	default:
		return fmt.Errorf("unknown persist backend %q", c.PersistBackend)
	}
	if c.CollapseThreshold < 0 {
		return fmt.Errorf("COLLAPSE_THRESHOLD must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
