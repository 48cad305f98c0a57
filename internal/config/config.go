// Package config handles loading, validating, and writing the auditledger
// configuration from ~/.auditledger/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the admin API and event intake
//   - Storage backend (sqlite file or MongoDB collection)
//   - Audit behavior (failure policy, periodic verification, page size cap)
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/glucomate/auditledger/internal/audit"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config is the top-level auditledger configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the HTTP server listens.
// Default: 127.0.0.1:3200.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects where ledger entries live.
//
// Path is only used by the sqlite driver. An empty path resolves to
// <config-dir>/audit/ledger.db at load time.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Mongo  MongoConfig `yaml:"mongo"`
}

// MongoConfig is used by the mongo driver.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// AuditConfig controls ledger behavior.
//
// Policy decides whether a failed audit write fails the business action
// ("strict") or is only logged ("best-effort", default). It is reloaded
// live when config.yaml changes.
//
// VerifyIntervalSec > 0 makes `serve` re-verify the chain on that period.
type AuditConfig struct {
	Policy            string `yaml:"policy"`
	VerifyIntervalSec int    `yaml:"verifyIntervalSec"`
	MaxPageSize       int    `yaml:"maxPageSize"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.resolvePaths(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Policy returns the parsed failure policy. validate has already rejected
// unknown names, so the error is only possible for hand-built configs.
func (c *Config) Policy() (audit.Policy, error) {
	return audit.ParsePolicy(c.Audit.Policy)
}

// resolvePaths fills the sqlite path relative to the config directory.
func (c *Config) resolvePaths(dir string) {
	if c.Storage.Driver == DriverSQLite && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(dir, "audit", "ledger.db")
	}
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditledger config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditledger configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# storage:
#   driver: sqlite or mongo
#   path: sqlite file (empty = <config dir>/audit/ledger.db)
#   mongo: uri, database, collection (driver: mongo only)
#
# audit:
#   policy: best-effort (log failed writes) or strict (fail the action)
#   verifyIntervalSec: Re-verify the chain every N seconds while serving (0 = off)
#   maxPageSize: Upper bound for query page sizes
#
# dashboard:
#   enabled: Serve web UI at /dashboard on the same port

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Mongo: MongoConfig{
				URI:        "mongodb://127.0.0.1:27017",
				Database:   "auditledger",
				Collection: "audit_log",
			},
		},
		Audit: AuditConfig{
			Policy:            string(audit.PolicyBestEffort),
			VerifyIntervalSec: 0,
			MaxPageSize:       audit.DefaultMaxPageSize,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case DriverSQLite:
	case DriverMongo:
		m := cfg.Storage.Mongo
		if m.URI == "" || m.Database == "" || m.Collection == "" {
			return fmt.Errorf("storage.mongo: uri, database and collection are required")
		}
	default:
		return fmt.Errorf("storage.driver %q unknown (use %s or %s)", cfg.Storage.Driver, DriverSQLite, DriverMongo)
	}

	if _, err := audit.ParsePolicy(cfg.Audit.Policy); err != nil {
		return fmt.Errorf("audit.policy: %w", err)
	}
	if cfg.Audit.VerifyIntervalSec < 0 {
		return fmt.Errorf("audit.verifyIntervalSec must be non-negative")
	}
	if cfg.Audit.MaxPageSize < 1 {
		return fmt.Errorf("audit.maxPageSize must be at least 1")
	}

	return nil
}
