package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/shellipc/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "ipc", c.Scheme)
	assert.Equal(t, channel.DefaultWarnThreshold, c.WarnMessageBytes)
	assert.Equal(t, time.Duration(0), c.RequestTimeout)
	assert.True(t, c.AutoClose)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.NoError(t, c.Validate())
	assert.Len(t, c.ChannelOptions(), 3)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
warn_message_bytes: 1024
request_timeout: 2s
log:
  level: debug
  format: json
  over_channel: true
relay:
  listen_addr: 0.0.0.0:9000
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.File)
	assert.Equal(t, 1024, c.WarnMessageBytes)
	assert.Equal(t, 2*time.Second, c.RequestTimeout)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.True(t, c.Log.OverChannel)
	assert.Equal(t, "0.0.0.0:9000", c.Relay.ListenAddr)
	assert.Equal(t, "ipc", c.Scheme)
}

func TestLoadFindsFileUpwards(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "scheme: app\n")
	nested := filepath.Join(root, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { os.Chdir(wd) })

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "app", c.Scheme)
	assert.Equal(t, filepath.Join(root, FileName), c.File)
}

func TestLoadEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "log:\n  level: warn\n")
	t.Setenv("SHELLIPC_LOG_LEVEL", "error")
	t.Setenv("SHELLIPC_REQUEST_TIMEOUT", "250ms")
	t.Setenv("AUTO_CLOSE", "false")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", c.Log.Level)
	assert.Equal(t, 250*time.Millisecond, c.RequestTimeout)
	assert.False(t, c.AutoClose)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config")

	path := writeConfig(t, t.TempDir(), "warn_message_bytes: -1\nlog:\n  level: loud\n  format: xml\nscheme: \"bad scheme\"\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "warn_message_bytes must not be negative")
	assert.ErrorContains(t, err, "log.level")
	assert.ErrorContains(t, err, "log.format must be console or json")
	assert.ErrorContains(t, err, "invalid scheme")
}
