package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/haven-id/haven/pkg/drive/query"
)

// Config represents the complete Haven host configuration.
//
// This structure captures all configurable aspects of a Haven host:
//   - Logging configuration
//   - Server-wide settings (listen address, shutdown behavior)
//   - The file index database
//   - The quarantine archive backend (backend-specific)
//   - Transit perimeter policy (part size caps, sender trust, rate limits)
//   - Drive definitions
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (HAVEN_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Quarantine Configuration Pattern:
// Each archive backend defines its own configuration shape. The Config
// struct contains backend-specific sections (quarantine.filesystem,
// quarantine.s3) and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Index configures the badger database backing file queries
	Index query.IndexConfig `mapstructure:"index"`

	// Quarantine specifies the archive backend and backend-specific
	// configuration
	Quarantine QuarantineConfig `mapstructure:"quarantine"`

	// Transit configures the host-to-host ingestion perimeter
	Transit TransitConfig `mapstructure:"transit"`

	// GC configures cleanup of abandoned staging files
	GC GCConfig `mapstructure:"gc"`

	// Drives defines the drives this host mounts
	Drives []DriveConfig `mapstructure:"drives" validate:"dive"`
}

// GCConfig controls the staging-area sweeper.
type GCConfig struct {
	// Enabled turns the background sweeper on
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to sweep
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// MaxAge is how old a staged file must be before it is removed
	MaxAge time.Duration `mapstructure:"max_age" validate:"gte=0"`

	// DryRun logs what would be removed without removing it
	DryRun bool `mapstructure:"dry_run"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ListenAddress is the host:port the HTTP API binds to
	ListenAddress string `mapstructure:"listen_address" validate:"required"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// OwnerToken authenticates the drive owner on the query surface.
	// Empty disables owner authentication; every request is anonymous.
	OwnerToken string `mapstructure:"owner_token"`

	// TLS serves the API over HTTPS. Peer pushes authenticate with
	// client certificates, so the transit surface is only reachable when
	// TLS is configured.
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig holds the server certificate pair. Both paths must be set
// together; leaving both empty serves plain HTTP, for development only.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether a certificate pair is configured.
func (c *TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// QuarantineConfig specifies the quarantine archive backend.
//
// The Type field determines which backend is used. Only the corresponding
// backend-specific configuration section is read.
type QuarantineConfig struct {
	// Type specifies which archive backend to use
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem s3"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// TransitConfig configures the ingestion perimeter's policy filters and
// per-sender rate limits.
type TransitConfig struct {
	// MaxMetadataBytes caps the Metadata section size; 0 disables the cap
	MaxMetadataBytes int64 `mapstructure:"max_metadata_bytes" validate:"gte=0"`

	// MaxPayloadBytes caps the Payload section size; 0 disables the cap
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes" validate:"gte=0"`

	// RequireConnectedSender quarantines transfers from senders below the
	// Connected trust level
	RequireConnectedSender bool `mapstructure:"require_connected_sender"`

	// RateLimit throttles exchanges per sending host
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is a token bucket definition. A zero RequestsPerSecond
// disables throttling.
type RateLimitConfig struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second"`
	Burst             uint `mapstructure:"burst"`
}

// DriveConfig defines a single drive mount.
type DriveConfig struct {
	// ID is the host-local drive identity (UUID)
	ID string `mapstructure:"id" validate:"required,uuid"`

	// Alias and Type together form the drive's cross-host identity (UUIDs)
	Alias string `mapstructure:"alias" validate:"required,uuid"`
	Type  string `mapstructure:"type" validate:"required,uuid"`

	// Name is the human-readable drive name
	Name string `mapstructure:"name" validate:"required"`

	// LongTermRoot is the root directory for sharded long-term storage
	LongTermRoot string `mapstructure:"long_term_root" validate:"required"`

	// TempRoot is the root directory for staged upload/transfer parts
	TempRoot string `mapstructure:"temp_root" validate:"required"`

	// AllowAnonymousReads permits anonymous callers to read files whose
	// ACL admits the anonymous security group
	AllowAnonymousReads bool `mapstructure:"allow_anonymous_reads"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (HAVEN_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the HAVEN_ prefix and underscores
	// Example: HAVEN_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("HAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/haven/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is acceptable; defaults and environment
			// variables still apply
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "haven")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "haven")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
