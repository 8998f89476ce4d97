// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// GatewayEndpoint configures the supervisor-side target for one gateway kind.
type GatewayEndpoint struct {
	URL        string        `yaml:"url"`
	AuthToken  string        `yaml:"auth_token,omitempty"`
	ResultPath string        `yaml:"result_path,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`

	// StoragePath is the SQLite database backing plugin key/value storage.
	StoragePath string `yaml:"storage_path"`
	// PluginsDir, when set, is scanned for external subprocess plugins.
	PluginsDir string `yaml:"plugins_dir,omitempty"`

	// ExecutionTimeout bounds one whole plugin execution.
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	// CallTimeout bounds one proxy round trip inside an execution.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// PurgeSchedule is the cron spec for reclaiming expired storage entries.
	PurgeSchedule string `yaml:"purge_schedule"`

	// Gateways maps gateway kind to its endpoint.
	Gateways map[string]GatewayEndpoint `yaml:"gateways,omitempty"`
}

// Defaults returns a config with every field the daemon can default.
func Defaults() *Config {
	return &Config{
		LogLevel:         "INFO",
		Listen:           "127.0.0.1:8484",
		StoragePath:      "data/crucible.db",
		ExecutionTimeout: 60 * time.Second,
		CallTimeout:      10 * time.Second,
		PurgeSchedule:    "@every 5m",
	}
}

// Load reads, expands, and validates the configuration at path. If a sibling
// "<path>.sum" file exists, the file's integrity is verified against it first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := VerifyIntegrity(path); err != nil {
		return nil, err
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is empty")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path is empty")
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.CallTimeout >= c.ExecutionTimeout {
		return fmt.Errorf("call_timeout (%s) must be shorter than execution_timeout (%s)", c.CallTimeout, c.ExecutionTimeout)
	}
	for kind, ep := range c.Gateways {
		if ep.URL == "" {
			return fmt.Errorf("gateway %q has no url", kind)
		}
	}
	return nil
}
