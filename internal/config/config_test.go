// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"

database:
  backend: "sqlite"
  path: "./test.db"

auth:
  api_token: "secret-token"

nodes:
  heartbeat_interval: "10s"
  heartbeat_timeout: "30s"
  default_node: "node-1"

channels:
  signed:
    enabled: true
    signing_secret: "hmac-secret"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "secret-token", cfg.Auth.APIToken)
	assert.Equal(t, 10*time.Second, cfg.Nodes.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Nodes.HeartbeatTimeout)
	assert.Equal(t, "node-1", cfg.Nodes.DefaultNode)
	assert.True(t, cfg.Channels.Signed.Enabled)
	assert.Equal(t, "hmac-secret", cfg.Channels.Signed.SigningSecret)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "localhost:9999"

[database]
backend = "memory"

[auth]
trust_localhost = true

[nodes]
heartbeat_interval = "5s"
heartbeat_timeout = "10s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, 5*time.Second, cfg.Nodes.HeartbeatInterval)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  trust_localhost: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Nodes.HeartbeatInterval)
	assert.Equal(t, 2*DefaultHeartbeatInterval, cfg.Nodes.HeartbeatTimeout)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FLOCK_TOKEN", "expanded-token")

	path := writeConfig(t, "config.yaml", `
auth:
  api_token: "${TEST_FLOCK_TOKEN}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-token", cfg.Auth.APIToken)
}

func TestLoad_UnsetEnvVarExpandsToEmpty(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  trust_localhost: true
nodes:
  default_node: "${DOES_NOT_EXIST_FLOCK}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Nodes.DefaultNode)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  trust_localhost: true
nodes:
  heartbeat_interval: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_SQLiteRequiresPath(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  backend: "sqlite"
auth:
  trust_localhost: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidate_UnknownBackend(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
database:
  backend: "postgres"
auth:
  trust_localhost: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.backend")
}

func TestValidate_HeartbeatTimeoutTooShort(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  trust_localhost: true
nodes:
  heartbeat_interval: "30s"
  heartbeat_timeout: "45s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_timeout")
}

func TestValidate_ChannelSecretsRequired(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  trust_localhost: true
channels:
  signed:
    enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_secret")
}

func TestValidate_AuthRequired(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8787"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Auth.TrustLocalhost)
	assert.Equal(t, "memory", cfg.Database.Backend)
}

func TestLoadNode_Valid(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
gateway_url: "http://localhost:8787"
node_id: "node-1"
name: "builder"
token: "node-token"
capabilities:
  - "code"
  - "review"
reconnect_interval: "1s"
reconnect_max: "10s"
`)

	cfg, err := LoadNode(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "builder", cfg.Name)
	assert.Equal(t, []string{"code", "review"}, cfg.Capabilities)
	assert.Equal(t, time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.ReconnectMax)
}

func TestLoadNode_NameDefaultsToID(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
gateway_url: "http://localhost:8787"
node_id: "node-2"
`)

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, "node-2", cfg.Name)
	assert.Equal(t, DefaultReconnectInterval, cfg.ReconnectInterval)
}

func TestLoadNode_MissingNodeID(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
gateway_url: "http://localhost:8787"
`)

	_, err := LoadNode(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_id")
}
