package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goefitune/internal/ecu"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.ECU, cfg.ECU)
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Logging, cfg.Logging)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ecu:
  port: /dev/ttyUSB3
  baud_rate: 0
  fast_comms: true
  fast_fallback: visible
  timeout_ms: 250
layout:
  path: /etc/goefitune/rusefi.yaml
server:
  listen_addr: ":9000"
`), 0644))
	t.Setenv("GOEFITUNE_ECU_PORT", "/dev/ttyACM9")
	t.Setenv("GOEFITUNE_DATALOG_ENABLED", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM9", cfg.ECU.Port, "env wins over the file")
	assert.Equal(t, 0, cfg.ECU.BaudRate)
	assert.True(t, cfg.Datalog.Enabled)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "/etc/goefitune/rusefi.yaml", cfg.Layout.Path)
	assert.Equal(t, ecu.DefaultWriteAttempts, cfg.ECU.WriteAttempts, "unset keys keep defaults")

	s := cfg.ECUSettings()
	assert.Equal(t, "/dev/ttyACM9", s.Link.Port)
	assert.Equal(t, 250*time.Millisecond, s.Link.Timeout)
	assert.True(t, s.FastComms)
	assert.Equal(t, ecu.FallbackVisible, s.FastFallback)
	assert.NoError(t, s.WithDefaults().Validate())
}

func TestLoadConfigBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ecu: [unclosed"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigSaveAndUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"ecu":{"port":"/dev/ttyS1"},"datalog":{"intervalMs":250}}`)))
	assert.Equal(t, "/dev/ttyS1", cfg.ECU.Port)
	assert.Equal(t, 115200, cfg.ECU.BaudRate, "fields not in the patch are kept")
	assert.Equal(t, 250, cfg.Datalog.IntervalMs)
	require.NoError(t, cfg.Save())

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", again.ECU.Port)
	assert.Equal(t, 250, again.Datalog.IntervalMs)
}

func TestLoadLayoutOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ECU.Variant = "line"
	l, err := cfg.LoadLayout()
	require.NoError(t, err)
	assert.Equal(t, "line", l.Variant)

	cfg.ECU.Family = "crc32"
	_, err = cfg.LoadLayout()
	assert.Error(t, err, "checksum family needs the binary variant")
}
