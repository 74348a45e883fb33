package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"heatpump/server/cursor"
	"heatpump/server/internal/db"
	"heatpump/server/logger"
)

// ConfigSourceTracker records which keys were set by environment variables.
type ConfigSourceTracker struct {
	EnvKeys map[string]bool
}

func newConfigSourceTracker() *ConfigSourceTracker {
	return &ConfigSourceTracker{EnvKeys: make(map[string]bool)}
}

// Config represents the server configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Ingest   IngestConfig   `toml:"ingest"`
	Cursor   CursorConfig   `toml:"cursor"`
	Identity IdentityConfig `toml:"identity"`
	Ops      OpsConfig      `toml:"ops"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	HTTPPort               int      `toml:"http_port"`
	BindAddress            string   `toml:"bind_address"` // 0.0.0.0 for all interfaces, 127.0.0.1 for localhost
	MaxIngestBytes         int64    `toml:"max_ingest_bytes"`
	ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `toml:"allowed_origins"` // websocket origins besides same-origin
}

// DatabaseConfig selects the storage backend
type DatabaseConfig struct {
	Driver              string `toml:"driver"` // sqlite or postgres
	Path                string `toml:"path"`
	DSN                 string `toml:"dsn"`
	MaxOpenConns        int    `toml:"max_open_conns"`
	MaxIdleConns        int    `toml:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `toml:"conn_max_lifetime_secs"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// IngestConfig holds the signed-batch settings
type IngestConfig struct {
	PublicKeyPEM  string `toml:"public_key_pem"`
	PublicKeyPath string `toml:"public_key_path"`
	ChunkSize     int    `toml:"chunk_size"`
	MaxRecords    int    `toml:"max_records"`
}

// CursorConfig holds the device-token sealing secret
type CursorConfig struct {
	Secret string `toml:"secret"`
}

// IdentityConfig configures OIDC bearer-token verification
type IdentityConfig struct {
	Issuer            string `toml:"issuer"`
	ClientID          string `toml:"client_id"`
	AdminRole         string `toml:"admin_role"`
	SkipClientIDCheck bool   `toml:"skip_client_id_check"`
}

// OpsConfig tunes request metric retention
type OpsConfig struct {
	RetentionDays        int `toml:"retention_days"`
	PruneIntervalMinutes int `toml:"prune_interval_minutes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:               8080,
			BindAddress:            "0.0.0.0",
			MaxIngestBytes:         256000,
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "", // Empty = platform data directory
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Ingest: IngestConfig{
			ChunkSize:  25,
			MaxRecords: 500,
		},
		Identity: IdentityConfig{
			AdminRole: "admin",
		},
		Ops: OpsConfig{
			RetentionDays:        30,
			PruneIntervalMinutes: 15,
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides. A missing file is not an error.
func LoadConfig(configPath string) (*Config, *ConfigSourceTracker, error) {
	cfg := DefaultConfig()
	tracker := newConfigSourceTracker()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, cfg); err != nil {
				return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	envString := func(name, key string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
			tracker.EnvKeys[key] = true
		}
	}
	envInt := func(name, key string, dst *int) error {
		val := os.Getenv(name)
		if val == "" {
			return nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", name, val)
		}
		*dst = n
		tracker.EnvKeys[key] = true
		return nil
	}

	if err := envInt("SERVER_HTTP_PORT", "server.http_port", &cfg.Server.HTTPPort); err != nil {
		return nil, nil, err
	}
	envString("SERVER_BIND_ADDRESS", "server.bind_address", &cfg.Server.BindAddress)
	envString("DB_DRIVER", "database.driver", &cfg.Database.Driver)
	envString("DB_PATH", "database.path", &cfg.Database.Path)
	envString("DB_DSN", "database.dsn", &cfg.Database.DSN)
	envString("LOG_DIR", "logging.dir", &cfg.Logging.Dir)
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
		tracker.EnvKeys["logging.level"] = true
	}
	envString("INGEST_PUBLIC_KEY", "ingest.public_key_pem", &cfg.Ingest.PublicKeyPEM)
	envString("INGEST_PUBLIC_KEY_PATH", "ingest.public_key_path", &cfg.Ingest.PublicKeyPath)
	if err := envInt("INGEST_CHUNK_SIZE", "ingest.chunk_size", &cfg.Ingest.ChunkSize); err != nil {
		return nil, nil, err
	}
	envString("CURSOR_SECRET", "cursor.secret", &cfg.Cursor.Secret)
	envString("OIDC_ISSUER", "identity.issuer", &cfg.Identity.Issuer)
	envString("OIDC_CLIENT_ID", "identity.client_id", &cfg.Identity.ClientID)
	if err := envInt("OPS_RETENTION_DAYS", "ops.retention_days", &cfg.Ops.RetentionDays); err != nil {
		return nil, nil, err
	}

	return cfg, tracker, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.MaxIngestBytes < 0 {
		errs = append(errs, errors.New("server.max_ingest_bytes must not be negative"))
	}
	if _, err := db.Choose(c.Database.Driver, c.Database.Path, c.Database.DSN); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if c.Cursor.Secret != "" && len(c.Cursor.Secret) < cursor.MinSecretLen {
		errs = append(errs, fmt.Errorf("cursor.secret must be at least %d bytes", cursor.MinSecretLen))
	}
	if c.Ingest.ChunkSize < 1 {
		errs = append(errs, errors.New("ingest.chunk_size must be at least 1"))
	}
	if c.Ingest.MaxRecords < 1 {
		errs = append(errs, errors.New("ingest.max_records must be at least 1"))
	}
	if c.Ops.RetentionDays < 1 {
		errs = append(errs, errors.New("ops.retention_days must be at least 1"))
	}
	if c.Ops.PruneIntervalMinutes < 1 {
		errs = append(errs, errors.New("ops.prune_interval_minutes must be at least 1"))
	}
	if !validLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of error, warn, info, debug, trace", c.Logging.Level))
	}
	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "error", "warn", "warning", "info", "debug", "trace":
		return true
	}
	return false
}

// parsedLevel returns the configured level for the logger package.
func (c *Config) parsedLevel() logger.LogLevel {
	return logger.ParseLevel(c.Logging.Level)
}

// WriteDefaultConfig writes a default configuration file. It refuses to
// overwrite an existing file.
func WriteDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
