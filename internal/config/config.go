// Package config handles maslited configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first by FindConfig. Then:
// ./config.yaml, ~/.config/maslited/config.yaml, /config/config.yaml,
// /etc/maslited/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "maslited", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // container convention
	paths = append(paths, "/etc/maslited/config.yaml")
	return paths
}

// searchPathsFunc is a variable so tests can override the search order
// without touching real config files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc()'s paths and returns the first that
// exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all maslited configuration: how the clock advances, how
// the router resolves unknown receivers, how many agents the scheduler
// activates concurrently, and where the journal and dashboard live.
type Config struct {
	Mode        string          `yaml:"mode"` // "real" or "simulated"
	Speed       *float64        `yaml:"speed"`
	StrictMode  bool            `yaml:"strict_mode"`
	Parallelism int             `yaml:"parallelism"`
	LogLevel    string          `yaml:"log_level"`
	JournalPath string          `yaml:"journal_path"`
	Dashboard   DashboardConfig `yaml:"dashboard"`
}

// DashboardConfig defines the optional event-stream server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // bind address, "" = all interfaces
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${MASLITED_JOURNAL_PATH}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "simulated"
	}
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.JournalPath == "" {
		c.JournalPath = "./maslited.db"
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		c.Dashboard.Port = 7070
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Mode != "real" && c.Mode != "simulated" {
		return fmt.Errorf("mode %q must be \"real\" or \"simulated\"", c.Mode)
	}
	if c.Mode == "simulated" && c.Speed != nil {
		return fmt.Errorf("speed is only meaningful in mode \"real\"")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism %d must be >= 0", c.Parallelism)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port %d out of range (1-65535)", c.Dashboard.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: simulated time, lenient routing, single-threaded
// activation. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
