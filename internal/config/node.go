// ABOUTME: Configuration for the flock-node worker daemon
// ABOUTME: Same file conventions as the gateway config (YAML or TOML, env expansion)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// NodeConfig represents the flock-node daemon configuration
type NodeConfig struct {
	GatewayURL   string   `yaml:"gateway_url" toml:"gateway_url"`
	NodeID       string   `yaml:"node_id" toml:"node_id"`
	Name         string   `yaml:"name" toml:"name"`
	Token        string   `yaml:"token" toml:"token"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`
	JobsPath     string   `yaml:"jobs_path" toml:"jobs_path"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	ReconnectInterval time.Duration `yaml:"-" toml:"-"`
	ReconnectMax      time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReconnectIntervalRaw string `yaml:"reconnect_interval" toml:"reconnect_interval"`
	ReconnectMaxRaw      string `yaml:"reconnect_max" toml:"reconnect_max"`
}

// Reconnect defaults: low single-digit seconds, capped backoff.
const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultReconnectMax      = 30 * time.Second
)

// LoadNode reads a node daemon configuration file from the given path.
// Format selection and env expansion follow Load.
func LoadNode(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg NodeConfig
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() error {
	durations := []struct {
		raw string
		dst *time.Duration
		def time.Duration
		key string
	}{
		{c.HeartbeatIntervalRaw, &c.HeartbeatInterval, DefaultHeartbeatInterval, "heartbeat_interval"},
		{c.ReconnectIntervalRaw, &c.ReconnectInterval, DefaultReconnectInterval, "reconnect_interval"},
		{c.ReconnectMaxRaw, &c.ReconnectMax, DefaultReconnectMax, "reconnect_max"},
	}

	for _, d := range durations {
		*d.dst = d.def
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = parsed
	}

	if c.Name == "" {
		c.Name = c.NodeID
	}
	return nil
}

// Validate checks required node daemon fields.
func (c *NodeConfig) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be positive")
	}
	if c.ReconnectMax < c.ReconnectInterval {
		return fmt.Errorf("reconnect_max must be at least reconnect_interval")
	}
	return nil
}
