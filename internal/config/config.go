// ABOUTME: Configuration loading and parsing for flock-gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete flock-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Nodes    NodesConfig    `yaml:"nodes" toml:"nodes"`
	Channels ChannelsConfig `yaml:"channels" toml:"channels"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds store backend configuration.
// Backend selects the persistence implementation: "memory" or "sqlite".
type DatabaseConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// APIToken is a static bearer token accepted on REST and node handshakes.
// JWTSecret enables HS256 JWT verification as an alternative credential.
// TrustLocalhost allows unauthenticated requests from loopback addresses.
type AuthConfig struct {
	APIToken       string   `yaml:"api_token" toml:"api_token"`
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	TrustLocalhost bool     `yaml:"trust_localhost" toml:"trust_localhost"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// NodesConfig holds node session timing configuration and webhook routing defaults
type NodesConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`
	DefaultNode       string        `yaml:"default_node" toml:"default_node"`

	// Raw string values for file unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// ChannelsConfig holds configuration for all inbound messaging channels
type ChannelsConfig struct {
	Signed SignedChannelConfig `yaml:"signed" toml:"signed"`
	Sealed SealedChannelConfig `yaml:"sealed" toml:"sealed"`
	Token  TokenChannelConfig  `yaml:"token" toml:"token"`

	// RatePerSecond bounds inbound webhook requests per channel (0 = default)
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
}

// SignedChannelConfig holds configuration for HMAC-signature-verified channels
type SignedChannelConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
}

// SealedChannelConfig holds configuration for encrypted-envelope channels.
// Key is the base64-encoded 32-byte secretbox key.
type SealedChannelConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Key     string `yaml:"key" toml:"key"`
}

// TokenChannelConfig holds configuration for bearer-app-token channels
type TokenChannelConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	AppToken string `yaml:"app_token" toml:"app_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHTTPAddr          = "localhost:8787"
	DefaultMetricsPath       = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .toml is parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
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

// Default returns a configuration suitable for local development:
// in-memory store, loopback HTTP address, trust-localhost auth.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.HTTPAddr = DefaultHTTPAddr
	cfg.Database.Backend = "memory"
	cfg.Auth.TrustLocalhost = true
	cfg.Nodes.HeartbeatInterval = DefaultHeartbeatInterval
	cfg.Nodes.HeartbeatTimeout = 2 * DefaultHeartbeatInterval
	cfg.Metrics.Path = DefaultMetricsPath
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields and parses raw duration strings.
func (c *Config) applyDefaults() error {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	var err error
	c.Nodes.HeartbeatInterval = DefaultHeartbeatInterval
	if c.Nodes.HeartbeatIntervalRaw != "" {
		c.Nodes.HeartbeatInterval, err = time.ParseDuration(c.Nodes.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", c.Nodes.HeartbeatIntervalRaw, err)
		}
	}

	c.Nodes.HeartbeatTimeout = 2 * c.Nodes.HeartbeatInterval
	if c.Nodes.HeartbeatTimeoutRaw != "" {
		c.Nodes.HeartbeatTimeout, err = time.ParseDuration(c.Nodes.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", c.Nodes.HeartbeatTimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("database.backend must be \"memory\" or \"sqlite\", got %q", c.Database.Backend)
	}

	if c.Nodes.HeartbeatTimeout < 2*c.Nodes.HeartbeatInterval {
		return fmt.Errorf("nodes.heartbeat_timeout must be at least twice heartbeat_interval")
	}

	if c.Channels.Signed.Enabled && c.Channels.Signed.SigningSecret == "" {
		return fmt.Errorf("channels.signed.signing_secret is required when the signed channel is enabled")
	}
	if c.Channels.Sealed.Enabled && c.Channels.Sealed.Key == "" {
		return fmt.Errorf("channels.sealed.key is required when the sealed channel is enabled")
	}
	if c.Channels.Token.Enabled && c.Channels.Token.AppToken == "" {
		return fmt.Errorf("channels.token.app_token is required when the token channel is enabled")
	}

	if !c.Auth.TrustLocalhost && c.Auth.APIToken == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth requires api_token or jwt_secret unless trust_localhost is enabled")
	}

	return nil
}
