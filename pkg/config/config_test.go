package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadString(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return Load(path)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadString(t, `server: {}`)
	require.NoError(t, err)

	assert.Equal(t, "mcp-markdownify", cfg.Server.Name)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Events.Retention)
	assert.Equal(t, 1000, cfg.Events.FallbackCap)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 120, cfg.RateLimits.API.PerMinute)
}

func TestLoadFull(t *testing.T) {
	cfg, err := loadString(t, `
server:
  address: ":9090"
  version: 2.0.0
redis:
  url: redis://localhost:6379/0
session:
  ttl: 30m
events:
  retention: 48h
  fallback_cap: 500
rate_limits:
  health:
    per_minute: 10
    burst: 9
cors:
  allowed_origins:
    - https://app.example.com
converter:
  max_file_bytes: 1048576
transcribe:
  command: /opt/whisper/run.sh
  args: ["--model", "base"]
  timeout: 10m
`)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 48*time.Hour, cfg.Events.Retention)
	assert.Equal(t, 500, cfg.Events.FallbackCap)
	assert.Equal(t, 10, cfg.RateLimits.Health.PerMinute)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, int64(1048576), cfg.Converter.MaxFileBytes)
	assert.Equal(t, "/opt/whisper/run.sh", cfg.Transcribe.Command)
	assert.Equal(t, []string{"--model", "base"}, cfg.Transcribe.Args)
	assert.Equal(t, 10*time.Minute, cfg.Transcribe.Timeout)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://envhost:6379")
	cfg, err := loadString(t, `
redis:
  url: ${TEST_REDIS_URL}
`)
	require.NoError(t, err)
	assert.Equal(t, "redis://envhost:6379", cfg.Redis.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadBadYAML(t *testing.T) {
	_, err := loadString(t, "server: [not: a: map")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidateAuthWithoutCredentials(t *testing.T) {
	_, err := loadString(t, `
auth:
  enabled: true
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret or auth.api_keys")
}

func TestValidateRetentionShorterThanTTL(t *testing.T) {
	_, err := loadString(t, `
session:
  ttl: 2h
events:
  retention: 1h
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events.retention")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Session.TTL)
}
