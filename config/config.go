// Package config loads the registry configuration from a YAML file,
// from REGISTRY_* environment variables, or both (environment wins).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage modes.
const (
	StorageModeFS = "filesystem"
	StorageModeS3 = "s3"
)

// S3Config holds the parameters for an S3-compatible object store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint,omitempty"` // empty for AWS default resolution
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// StorageConfig selects and parameterizes the blob storage backend.
type StorageConfig struct {
	Mode       string        `yaml:"mode"` // "filesystem" or "s3"
	Root       string        `yaml:"root,omitempty"`
	S3         S3Config      `yaml:"s3,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// IndexConfig configures the git-backed package index.
type IndexConfig struct {
	Location     string        `yaml:"location"`
	RemoteOrigin string        `yaml:"remoteOrigin,omitempty"`
	RemoteSSHKey string        `yaml:"remoteSshKeyFile,omitempty"`
	PushChanges  bool          `yaml:"remotePushChanges"`
	UserName     string        `yaml:"userName"`
	UserEmail    string        `yaml:"userEmail"`
	SyncInterval time.Duration `yaml:"syncInterval"`
}

// DocsConfig configures the documentation build pipeline.
type DocsConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BuildTimeout time.Duration `yaml:"buildTimeout"`
	CargoBin     string        `yaml:"cargoBin"`
	Target       string        `yaml:"target"`
}

// ExternalRegistry describes another registry used to compute
// documentation cross-links for dependencies not hosted here.
type ExternalRegistry struct {
	Name     string `yaml:"name"`
	Index    string `yaml:"index"`
	DocsRoot string `yaml:"docsRoot"`
	Login    string `yaml:"login,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// Config is the full registry configuration.
type Config struct {
	LogLevel  string `yaml:"logLevel"`
	Addr      string `yaml:"addr"`
	PublicURI string `yaml:"publicUri"`
	BodyLimit int64  `yaml:"bodyLimit"`
	DataDir   string `yaml:"dataDir"`

	Storage            StorageConfig      `yaml:"storage"`
	Index              IndexConfig        `yaml:"index"`
	Docs               DocsConfig         `yaml:"docs"`
	ExternalRegistries []ExternalRegistry `yaml:"externalRegistries,omitempty"`
}

// Default limits and intervals.
const (
	defaultBodyLimit      = 10 * 1024 * 1024
	defaultStorageTimeout = 30 * time.Second
	defaultSyncInterval   = 5 * time.Minute
	defaultBuildTimeout   = 15 * time.Minute
)

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyLimit
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = StorageModeFS
	}
	if c.Storage.Root == "" && c.DataDir != "" {
		c.Storage.Root = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.Timeout <= 0 {
		c.Storage.Timeout = defaultStorageTimeout
	}
	if c.Storage.MaxRetries <= 0 {
		c.Storage.MaxRetries = 3
	}
	if c.Index.Location == "" && c.DataDir != "" {
		c.Index.Location = filepath.Join(c.DataDir, "index")
	}
	if c.Index.SyncInterval <= 0 {
		c.Index.SyncInterval = defaultSyncInterval
	}
	if c.Docs.Workers <= 0 {
		c.Docs.Workers = 2
	}
	if c.Docs.MaxAttempts <= 0 {
		c.Docs.MaxAttempts = 3
	}
	if c.Docs.BuildTimeout <= 0 {
		c.Docs.BuildTimeout = defaultBuildTimeout
	}
	if c.Docs.CargoBin == "" {
		c.Docs.CargoBin = "cargo"
	}
	if c.Docs.Target == "" {
		c.Docs.Target = "x86_64-unknown-linux-gnu"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.PublicURI == "" {
		return fmt.Errorf("publicUri is required")
	}
	if _, err := url.Parse(c.PublicURI); err != nil {
		return fmt.Errorf("invalid publicUri: %w", err)
	}
	switch c.Storage.Mode {
	case StorageModeFS:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required in filesystem mode")
		}
	case StorageModeS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required in s3 mode")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required in s3 mode")
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	if c.Index.UserName == "" || c.Index.UserEmail == "" {
		return fmt.Errorf("index.userName and index.userEmail are required")
	}
	for i, reg := range c.ExternalRegistries {
		if reg.Name == "" || reg.Index == "" || reg.DocsRoot == "" {
			return fmt.Errorf("externalRegistries[%d]: name, index and docsRoot are required", i)
		}
	}
	return nil
}

// DatabasePath returns the path to the SQLite metadata database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// DownloadRoot returns the public URI root from which crates are downloaded,
// as advertised in the index config.json.
func (c *Config) DownloadRoot() string {
	return strings.TrimSuffix(c.PublicURI, "/") + "/api/v1/crates"
}

// LoadFromFile loads configuration from a YAML file, applies the
// environment overlay, defaults, and validates.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return finish(&cfg)
}

// LoadFromEnv builds configuration purely from REGISTRY_* environment
// variables, the surface used by container deployments.
func LoadFromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays REGISTRY_* environment variables onto the config.
func (c *Config) applyEnv() {
	setStr(&c.LogLevel, "REGISTRY_LOG_LEVEL")
	setStr(&c.Addr, "REGISTRY_WEB_LISTEN_ADDR")
	setStr(&c.PublicURI, "REGISTRY_WEB_PUBLIC_URI")
	setInt64(&c.BodyLimit, "REGISTRY_WEB_BODY_LIMIT")
	setStr(&c.DataDir, "REGISTRY_DATA_DIR")

	setStr(&c.Storage.Mode, "REGISTRY_STORAGE_MODE")
	setStr(&c.Storage.Root, "REGISTRY_STORAGE_ROOT")
	setDuration(&c.Storage.Timeout, "REGISTRY_STORAGE_TIMEOUT")
	setInt(&c.Storage.MaxRetries, "REGISTRY_STORAGE_MAX_RETRIES")
	setStr(&c.Storage.S3.Endpoint, "REGISTRY_S3_URI")
	setStr(&c.Storage.S3.Region, "REGISTRY_S3_REGION")
	setStr(&c.Storage.S3.Bucket, "REGISTRY_S3_BUCKET")
	setStr(&c.Storage.S3.AccessKey, "REGISTRY_S3_ACCESS_KEY")
	setStr(&c.Storage.S3.SecretKey, "REGISTRY_S3_SECRET_KEY")
	setStr(&c.Storage.S3.Prefix, "REGISTRY_S3_PREFIX")

	setStr(&c.Index.Location, "REGISTRY_INDEX_LOCATION")
	setStr(&c.Index.RemoteOrigin, "REGISTRY_GIT_REMOTE")
	setStr(&c.Index.RemoteSSHKey, "REGISTRY_GIT_REMOTE_SSH_KEY_FILENAME")
	setBool(&c.Index.PushChanges, "REGISTRY_GIT_REMOTE_PUSH_CHANGES")
	setStr(&c.Index.UserName, "REGISTRY_GIT_USER_NAME")
	setStr(&c.Index.UserEmail, "REGISTRY_GIT_USER_EMAIL")
	setDuration(&c.Index.SyncInterval, "REGISTRY_GIT_SYNC_INTERVAL")

	setInt(&c.Docs.Workers, "REGISTRY_DOCS_WORKERS")
	setInt(&c.Docs.MaxAttempts, "REGISTRY_DOCS_MAX_ATTEMPTS")
	setDuration(&c.Docs.BuildTimeout, "REGISTRY_DOCS_BUILD_TIMEOUT")
	setStr(&c.Docs.CargoBin, "REGISTRY_DOCS_CARGO_BIN")
	setStr(&c.Docs.Target, "REGISTRY_DOCS_TARGET")

	// External registries are declared as numbered variable groups:
	// REGISTRY_EXTERNAL_1_NAME, REGISTRY_EXTERNAL_1_INDEX, ...
	for i := 1; ; i++ {
		name := os.Getenv(fmt.Sprintf("REGISTRY_EXTERNAL_%d_NAME", i))
		if name == "" {
			break
		}
		c.ExternalRegistries = append(c.ExternalRegistries, ExternalRegistry{
			Name:     name,
			Index:    os.Getenv(fmt.Sprintf("REGISTRY_EXTERNAL_%d_INDEX", i)),
			DocsRoot: os.Getenv(fmt.Sprintf("REGISTRY_EXTERNAL_%d_DOCS", i)),
			Login:    os.Getenv(fmt.Sprintf("REGISTRY_EXTERNAL_%d_LOGIN", i)),
			Token:    os.Getenv(fmt.Sprintf("REGISTRY_EXTERNAL_%d_TOKEN", i)),
		})
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
