package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: pv.local
  api_key: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pv.local", cfg.Server.Host)
	assert.Equal(t, 8473, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.PollIntervalSeconds)
	assert.Equal(t, 200, cfg.Server.PTZCooldownMillis)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "pentavision", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "http://pv.local:8473", cfg.Server.BaseURL())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.5
  port: 9000
  api_key: secret
  poll_interval_seconds: 10
mqtt:
  enabled: true
  broker: tcp://broker:1883
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.PollIntervalSeconds)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: from-file
  api_key: file-key
`)

	t.Setenv("PV_HOST", "from-env")
	t.Setenv("PV_API_KEY", "env-key")
	t.Setenv("PV_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.Host)
	assert.Equal(t, "env-key", cfg.Server.APIKey)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestValidateMissingCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  host: pv.local
`))
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindConfig))

	_, err = Load(writeConfig(t, `
server:
  api_key: secret
`))
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindConfig))
}

func TestValidateMQTTNeedsBroker(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  host: pv.local
  api_key: secret
mqtt:
  enabled: true
`))
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindConfig))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PV_HOST", "pv.local")
	t.Setenv("PV_API_KEY", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pv.local", cfg.Server.Host)
}
