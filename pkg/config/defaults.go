package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Drives have no defaults: every drive must be configured explicitly
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyIndexDefaults(cfg)
	applyQuarantineDefaults(&cfg.Quarantine)
	applyTransitDefaults(&cfg.Transit)
	applyGCDefaults(&cfg.GC)
}

// applyGCDefaults sets staging sweeper defaults.
func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8765"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyIndexDefaults sets index database defaults.
func applyIndexDefaults(cfg *Config) {
	if cfg.Index.DBPath == "" && !cfg.Index.InMemory {
		cfg.Index.DBPath = "./data/index"
	}
}

// applyQuarantineDefaults sets quarantine archive defaults.
func applyQuarantineDefaults(cfg *QuarantineConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if cfg.Type == "filesystem" {
		if _, ok := cfg.Filesystem["root"]; !ok {
			cfg.Filesystem["root"] = "./data/quarantine"
		}
	}
}

// applyTransitDefaults sets ingestion perimeter defaults.
func applyTransitDefaults(cfg *TransitConfig) {
	if cfg.MaxMetadataBytes == 0 {
		cfg.MaxMetadataBytes = 4 << 20 // 4 MiB
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 1 << 30 // 1 GiB
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerSecond
	}
}
