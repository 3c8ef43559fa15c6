package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
db: /tmp/posts.db
log_level: debug
dispatch_timeout: 45s
retention_days: 7
telegram:
  token: "12345:abc"
  chat_id: -100123
bluesky:
  host: https://bsky.social
  identifier: user.bsky.social
  app_password: secret
webhook:
  url: https://example.com/hook
  headers:
    Authorization: Bearer tok
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/tmp/posts.db", cfg.DB)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.DispatchTimeout.Std())
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
	assert.Equal(t, "user.bsky.social", cfg.Bluesky.Identifier)
	assert.Equal(t, "Bearer tok", cfg.Webhook.Headers["Authorization"])
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "listen: \":9000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "postflow.db", cfg.DB)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout.Std())
	assert.Equal(t, 30, cfg.RetentionDays)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "listne: \":9000\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "dispatch_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "dispatch_timeout: -5s\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
