// ABOUTME: Configuration loading and parsing for the oblivion agent binary.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete oblivion-agent configuration
type Config struct {
	Nexus     NexusConfig     `yaml:"nexus"`
	Agent     AgentConfig     `yaml:"agent"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NexusConfig holds the Nexus server endpoint and credentials
type NexusConfig struct {
	URL          string `yaml:"url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// AgentConfig holds the identity announced in agent_ready
type AgentConfig struct {
	Capabilities []string `yaml:"capabilities"`
	Version      string   `yaml:"version"`
}

// ReconnectConfig holds reconnection behavior
type ReconnectConfig struct {
	Disabled bool          `yaml:"disabled"`
	Delay    time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DelayRaw string `yaml:"delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Nexus.URL == "" {
		return fmt.Errorf("nexus.url is required")
	}
	if c.Nexus.ClientID == "" {
		return fmt.Errorf("nexus.client_id is required")
	}
	if c.Nexus.ClientSecret == "" {
		return fmt.Errorf("nexus.client_secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Reconnect.DelayRaw != "" {
		delay, err := time.ParseDuration(cfg.Reconnect.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect delay %q: %w", cfg.Reconnect.DelayRaw, err)
		}
		cfg.Reconnect.Delay = delay
	}
	return nil
}
