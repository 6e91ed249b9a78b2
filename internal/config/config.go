// Package config handles loading, validating, and writing the ctrlproxy
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - SQLite database path
//   - Dashboard toggle
//   - Seed sessions/profiles to sync into the database on startup and on
//     every config.yaml change (see watcher.go)
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ctrlproxy configuration. Loaded from
// <config-dir>/config.yaml, with sensible defaults for fields that are
// not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Seed      SeedConfig      `yaml:"seed"`
}

// ServerConfig defines where the proxy listens.
// Default: 127.0.0.1:8800 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig points at the SQLite file backing sessions, profiles, and
// captured requests.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig controls the web dashboard served at /_dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SeedConfig declares sessions and filter profiles to create (if missing)
// every time the config file is loaded or hot-reloaded. This lets an
// operator check a config.yaml into version control instead of scripting
// `ctrlproxy sessions create` calls by hand.
type SeedConfig struct {
	Profiles []SeedProfile `yaml:"profiles"`
	Sessions []SeedSession `yaml:"sessions"`
}

// SeedProfile is one YAML-declared filter profile.
type SeedProfile struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Default       bool     `yaml:"default"`
	SystemFilters []string `yaml:"systemFilters"`
	ToolFilters   []string `yaml:"toolFilters"`
	KeepToolPairs bool     `yaml:"keepToolPairs"`
}

// SeedSession is one YAML-declared session.
type SeedSession struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	TargetURL         string   `yaml:"targetUrl"`
	TLSVerifyDisabled bool     `yaml:"tlsVerifyDisabled"`
	AuthHeader        string   `yaml:"authHeader"`
	XAPIKey           string   `yaml:"xApiKey"`
	ProfileID         string   `yaml:"profileId"`
	WebfetchIntercept bool     `yaml:"webfetchIntercept"`
	WebfetchWhitelist []string `yaml:"webfetchWhitelist"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Sessions/profiles are then
			// managed entirely through the CLI or dashboard.
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

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# ctrlproxy configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8800)
#
# database:
#   path: SQLite file path (default: <config-dir>/ctrlproxy.db)
#
# dashboard:
#   enabled: Serve the web UI/API at /_dashboard on the same port
#
# seed:
#   profiles/sessions: declared here are created if missing every time
#   this file is loaded or changed on disk.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8800,
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
	for i, s := range cfg.Seed.Sessions {
		if s.Name == "" {
			return fmt.Errorf("seed.sessions[%d]: name is required", i)
		}
		if s.TargetURL == "" {
			return fmt.Errorf("seed.sessions[%d]: targetUrl is required", i)
		}
	}
	for i, p := range cfg.Seed.Profiles {
		if p.Name == "" {
			return fmt.Errorf("seed.profiles[%d]: name is required", i)
		}
	}
	return nil
}
