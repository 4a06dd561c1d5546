// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the uploader daemon.
type Config struct {
	// Listen is the TCP address the HTTP listener binds to.
	// Default: ":3000"
	Listen string `yaml:"listen"`

	// TLS configures transport security on the listener.
	TLS TLSConfig `yaml:"tls"`

	// Auth configures request authentication.
	Auth AuthConfig `yaml:"auth"`

	// Limits configures request and connection bounds.
	Limits LimitsConfig `yaml:"limits"`

	// Storage selects and configures the blob backend.
	Storage StorageConfig `yaml:"storage"`

	// Purge configures the background janitor.
	Purge PurgeConfig `yaml:"purge"`
}

// TLSConfig configures TLS on the listener. When Enabled is false the
// server speaks plain HTTP and the remaining fields are ignored.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are the PEM-encoded server certificate and
	// private key. Both are required when Enabled is true.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// ClientCAFile, when set, enables mutual TLS: client certificates
	// are required and verified against this CA bundle.
	ClientCAFile string `yaml:"client_ca_file"`
}

// AuthConfig configures the shared-secret request authentication.
type AuthConfig struct {
	// Token is the shared secret clients present in the
	// X-Uploader-Auth header. Empty disables authentication.
	// Supports ${VAR} expansion, e.g. "${UPLOADER_AUTH_TOKEN}".
	Token string `yaml:"token"`
}

// LimitsConfig configures request and connection bounds.
type LimitsConfig struct {
	// MaxBodyBytes caps the size of a single upload body. Uploads
	// exceeding it are rejected and nothing becomes visible.
	// Default: 1 GiB. Zero means unlimited.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxHeaderBytes caps the request header size. Default: 64 KiB.
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxConnections caps concurrently accepted connections. Further
	// connections queue in the listener backlog. Default: 256.
	// Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`

	// UploadBytesPerSecond throttles each upload stream. Default: 0
	// (unthrottled).
	UploadBytesPerSecond int64 `yaml:"upload_bytes_per_second"`

	// IdleTimeout is how long a connection may sit without a read
	// before the server closes it. Go duration string. Default: "5m".
	IdleTimeout string `yaml:"idle_timeout"`

	// ShutdownTimeout is how long graceful shutdown waits for inflight
	// requests before forcing connections closed. Default: "30s".
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	// Backend is "fs" or "s3". Default: "fs".
	Backend string `yaml:"backend"`

	// Root is the data directory for the fs backend. It also holds the
	// node index database regardless of backend. Supports ${VAR}
	// expansion. Default: ${HOME}/.local/share/uploader
	Root string `yaml:"root"`

	// S3 configures the s3 backend. Ignored when Backend is "fs".
	S3 S3Config `yaml:"s3"`
}

// S3Config configures the S3 blob backend.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint URL for S3-compatible stores
	// (MinIO, Ceph RGW). Path-style addressing is used when set.
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. When
	// both are empty the SDK's default credential chain is used.
	// Support ${VAR} expansion.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Accelerate enables S3 Transfer Acceleration.
	Accelerate bool `yaml:"accelerate"`
}

// PurgeConfig configures the background janitor that removes stale
// staged uploads and temp files.
type PurgeConfig struct {
	// Schedule is a 5-field cron expression. Default: "0 * * * *"
	// (hourly). Empty disables the janitor.
	Schedule string `yaml:"schedule"`

	// StaleAfter is how old an uncommitted staged upload must be
	// before the janitor removes it. Go duration string.
	// Default: "24h".
	StaleAfter string `yaml:"stale_after"`
}

// Default returns the default configuration. These defaults are a
// complete working development setup: plain HTTP on :3000, filesystem
// storage, no auth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Listen: ":3000",
		Limits: LimitsConfig{
			MaxBodyBytes:    1 << 30,
			MaxHeaderBytes:  64 << 10,
			MaxConnections:  256,
			IdleTimeout:     "5m",
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			Backend: "fs",
			Root:    filepath.Join(homeDir, ".local", "share", "uploader"),
		},
		Purge: PurgeConfig{
			Schedule:   "0 * * * *",
			StaleAfter: "24h",
		},
	}
}

// Load loads configuration from the UPLOADER_CONFIG environment
// variable. There are no fallbacks or discovery: if UPLOADER_CONFIG is
// not set, this fails. Deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("UPLOADER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("UPLOADER_CONFIG environment variable not set; " +
			"set it to the path of your uploader.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${VAR} and ${VAR:-default} in path and secret fields, so secrets can
// stay out of the file itself.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// fields that commonly reference the environment.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	c.TLS.CertFile = expandVars(c.TLS.CertFile, vars)
	c.TLS.KeyFile = expandVars(c.TLS.KeyFile, vars)
	c.TLS.ClientCAFile = expandVars(c.TLS.ClientCAFile, vars)
	c.Auth.Token = expandVars(c.Auth.Token, vars)
	c.Storage.S3.AccessKeyID = expandVars(c.Storage.S3.AccessKeyID, vars)
	c.Storage.S3.SecretAccessKey = expandVars(c.Storage.S3.SecretAccessKey, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported at once via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			errs = append(errs, fmt.Errorf("tls.cert_file is required when tls.enabled"))
		}
		if c.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("tls.key_file is required when tls.enabled"))
		}
	}

	if c.Limits.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("limits.max_body_bytes must not be negative"))
	}
	if c.Limits.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("limits.max_connections must not be negative"))
	}
	if c.Limits.UploadBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("limits.upload_bytes_per_second must not be negative"))
	}
	if _, err := parseDuration(c.Limits.IdleTimeout, 0); err != nil {
		errs = append(errs, fmt.Errorf("limits.idle_timeout: %w", err))
	}
	if _, err := parseDuration(c.Limits.ShutdownTimeout, 0); err != nil {
		errs = append(errs, fmt.Errorf("limits.shutdown_timeout: %w", err))
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			errs = append(errs, fmt.Errorf("storage.root is required for the fs backend"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.s3.bucket is required for the s3 backend"))
		}
		if c.Storage.S3.Region == "" && c.Storage.S3.Endpoint == "" {
			errs = append(errs, fmt.Errorf("storage.s3 needs a region or an endpoint"))
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			errs = append(errs, fmt.Errorf("storage.s3 static credentials need both access_key_id and secret_access_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be \"fs\" or \"s3\", got %q", c.Storage.Backend))
	}

	if _, err := parseDuration(c.Purge.StaleAfter, 0); err != nil {
		errs = append(errs, fmt.Errorf("purge.stale_after: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IdleTimeout returns the parsed limits.idle_timeout.
func (c *Config) IdleTimeout() time.Duration {
	return mustDuration(c.Limits.IdleTimeout, 5*time.Minute)
}

// ShutdownTimeout returns the parsed limits.shutdown_timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return mustDuration(c.Limits.ShutdownTimeout, 30*time.Second)
}

// StaleAfter returns the parsed purge.stale_after.
func (c *Config) StaleAfter() time.Duration {
	return mustDuration(c.Purge.StaleAfter, 24*time.Hour)
}

// parseDuration parses a Go duration string, returning fallback for
// the empty string.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// mustDuration is parseDuration for already-validated config. A parse
// failure here means Validate was skipped; fall back rather than
// panic.
func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s, fallback)
	if err != nil {
		return fallback
	}
	return d
}

// EnsurePaths creates the storage directories if they don't exist.
// Only meaningful for the fs backend.
func (c *Config) EnsurePaths() error {
	if c.Storage.Root == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Storage.Root, err)
	}
	return nil
}
