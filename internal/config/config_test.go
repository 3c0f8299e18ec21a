// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies YAML parsing, env expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const fullConfig = `
server:
  http_addr: ":8080"
database:
  path: /var/lib/toolgate/toolgate.db
auth:
  jwt_secret: ${TEST_JWT_SECRET}
rate_limit:
  capacity: 2
  interval: 1m
discovery:
  ttl: 300s
sessions:
  health_check_interval: 60s
  connect_timeout: 10s
stream:
  buffer_size: 32
  coalesce_window: 200ms
  retention: 168h
connectors:
  catalog_path: /etc/toolgate/connectors.toml
logging:
  level: debug
  format: json
`

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "super-secret")

	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/toolgate/toolgate.db", cfg.Database.Path)
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret, "env vars are expanded")
	assert.Equal(t, 2, cfg.RateLimit.Capacity)
	assert.Equal(t, time.Minute, cfg.RateLimit.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Discovery.TTL)
	assert.Equal(t, time.Minute, cfg.Sessions.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Sessions.ConnectTimeout)
	assert.Equal(t, 32, cfg.Stream.BufferSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Stream.CoalesceWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Stream.Retention)
	assert.Equal(t, "/etc/toolgate/connectors.toml", cfg.Connectors.CatalogPath)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing http_addr", "database:\n  path: x\nauth:\n  jwt_secret: s\n"},
		{"missing database path", "server:\n  http_addr: ':1'\nauth:\n  jwt_secret: s\n"},
		{"missing jwt secret", "server:\n  http_addr: ':1'\ndatabase:\n  path: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: x
auth:
  jwt_secret: s
rate_limit:
  interval: "sometime soon"
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.interval")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestDefault_IsValidAfterSecretFill(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "dev"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.RateLimit.Capacity)
}
