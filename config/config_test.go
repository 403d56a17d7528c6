package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("COLLABD_AUTH_SECRET", "test-secret")

	cfg, err := LoadConfig(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, "bolt", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Collab.PersistInterval)
	assert.Equal(t, 100, cfg.Collab.SnapshotUpdateThreshold)
	assert.Equal(t, 60*time.Second, cfg.Collab.RoomIdleTTL)
	assert.Equal(t, int64(4*1024*1024), cfg.Collab.SessionOutboundBytes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("COLLABD_AUTH_SECRET", "test-secret")

	path := writeConfig(t, `
server:
  port: 9000
  debug: true
database:
  driver: bolt
  path: /tmp/test.db
collab:
  room_idle_ttl: 120s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 120*time.Second, cfg.Collab.RoomIdleTTL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("COLLABD_AUTH_SECRET", "test-secret")
	t.Setenv("COLLABD_SERVER_PORT", "9100")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "environment must override the file")
}

func TestValidateRequiresSecret(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")
}

func TestValidatePostgresRequiresURL(t *testing.T) {
	t.Setenv("COLLABD_AUTH_SECRET", "test-secret")

	_, err := LoadConfig(writeConfig(t, "database:\n  driver: postgres\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestValidateUnknownDriver(t *testing.T) {
	t.Setenv("COLLABD_AUTH_SECRET", "test-secret")

	_, err := LoadConfig(writeConfig(t, "database:\n  driver: dynamo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database driver")
}

func TestAddress(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8095}
	assert.Equal(t, "127.0.0.1:8095", c.Address())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
