package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("E2EE_HOME", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Megolm.RotationMsgs)
	assert.Equal(t, 7*24*time.Hour, cfg.RotationPeriod())
	assert.Equal(t, 10*time.Minute, cfg.VerificationTimeout())
	assert.Equal(t, 100, cfg.Megolm.ShareBatchSize)
	assert.Equal(t, 4, cfg.Megolm.ShareConcurrency)
	assert.True(t, cfg.Gossip.Enabled)
	assert.False(t, cfg.Megolm.LimitToOwnDevices)
	assert.Equal(t, filepath.Join(cfg.Home, "backup"), cfg.Backup.Dir)
}

func TestLoadYAML(t *testing.T) {
	home := t.TempDir()
	path := writeFile(t, "e2ee.yaml", `
home: `+home+`
relay_url: http://127.0.0.1:9000
user_id: "@alice:example.org"
device_id: ALICE1
log:
  level: debug
  pretty: true
megolm:
  rotation_msgs: 10
  rotation_period: 1h
  blacklist_unverified: true
gossip:
  share_policy: own_device && verified
backup:
  recipient: age1example
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.RelayURL)
	assert.Equal(t, "@alice:example.org", cfg.UserID)
	assert.Equal(t, "ALICE1", cfg.DeviceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 10, cfg.Megolm.RotationMsgs)
	assert.Equal(t, time.Hour, cfg.RotationPeriod())
	assert.True(t, cfg.Megolm.BlacklistUnverified)
	// Unset keys keep their defaults.
	assert.Equal(t, 100, cfg.Megolm.ShareBatchSize)
	assert.True(t, cfg.Gossip.Enabled)
	assert.Equal(t, "own_device && verified", cfg.Gossip.SharePolicy)
	assert.Equal(t, "age1example", cfg.Backup.Recipient)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "e2ee.jsonc", `{
  // device identity
  "home": "/tmp/e2ee-test",
  "user_id": "@bob:example.org",
  "megolm": {
    "rotation_msgs": 5, /* small for testing */
    "warn_unknown_devices": true,
  },
}`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/e2ee-test", cfg.Home)
	assert.Equal(t, "@bob:example.org", cfg.UserID)
	assert.Equal(t, 5, cfg.Megolm.RotationMsgs)
	assert.True(t, cfg.Megolm.WarnUnknownDevices)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "e2ee.yml", "megolm:\n  rotation_msgs: 10\n")
	t.Setenv("E2EE_HOME", t.TempDir())
	t.Setenv("E2EE_ROTATION_MSGS", "3")
	t.Setenv("E2EE_ROTATION_PERIOD", "30m")
	t.Setenv("E2EE_GOSSIP", "false")
	t.Setenv("E2EE_BLACKLIST_UNVERIFIED", "true")
	t.Setenv("E2EE_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Megolm.RotationMsgs)
	assert.Equal(t, 30*time.Minute, cfg.RotationPeriod())
	assert.False(t, cfg.Gossip.Enabled)
	assert.True(t, cfg.Megolm.BlacklistUnverified)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("E2EE_HOME", t.TempDir())

	_, err := config.Load(writeFile(t, "e2ee.yaml", "megolm:\n  rotation_period: soon\n"))
	require.Error(t, err)

	_, err = config.Load(writeFile(t, "e2ee.yaml", "log:\n  level: loud\n"))
	require.Error(t, err)

	_, err = config.Load(writeFile(t, "e2ee.toml", "home = 1\n"))
	require.Error(t, err)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
