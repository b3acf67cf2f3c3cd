// Package config handles OttoEngine configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/otto/config.yaml, /etc/otto/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "otto", "config.yaml"))
	}

	paths = append(paths, "/etc/otto/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all engine configuration.
type Config struct {
	RESTPort       int        `yaml:"rest_port"`
	Hass           HassConfig `yaml:"hass"`
	TZ             string     `yaml:"tz"`
	Rules          RuleStore  `yaml:"rules"`
	LogLevel       string     `yaml:"log_level"`
	TestServerPort int        `yaml:"test_server_port"`
}

// HassConfig defines the remote Home Assistant connection.
type HassConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
	TLS   bool   `yaml:"tls"`
}

// RuleStore defines where automation rules are persisted. Directory is
// the default file backend; a non-empty SQLitePath switches persistence
// to a SQLite database at that path.
type RuleStore struct {
	Directory  string `yaml:"directory"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Load reads configuration from a YAML file and validates the
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and the zone name.
func (c *Config) Validate() error {
	if c.RESTPort == 0 {
		return fmt.Errorf("config: rest_port is required")
	}
	if c.Hass.Host == "" {
		return fmt.Errorf("config: hass.host is required")
	}
	if c.Hass.Port == 0 {
		return fmt.Errorf("config: hass.port is required")
	}
	if c.Hass.Token == "" {
		return fmt.Errorf("config: hass.token is required")
	}
	if c.TZ == "" {
		return fmt.Errorf("config: tz is required")
	}
	if _, err := time.LoadLocation(c.TZ); err != nil {
		return fmt.Errorf("config: tz %q is not a valid IANA zone", c.TZ)
	}
	if c.Rules.Directory == "" && c.Rules.SQLitePath == "" {
		return fmt.Errorf("config: rules.directory is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
