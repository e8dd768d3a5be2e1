package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, "/var/run/appyard/pool.sock", cfg.Server.SocketPath)
	assert.Equal(t, 6, cfg.Pool.Max)
	assert.Equal(t, 0, cfg.Pool.MaxPerApp)
	assert.Equal(t, 2*time.Minute, cfg.Pool.MaxIdle)
	assert.Equal(t, 5*time.Second, cfg.Pool.GetTimeout)
	assert.Equal(t, 2*time.Second, cfg.Pool.CleanInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appyard.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(`
server:
  socket_path: /tmp/pool.sock
  name: pool-1
  rate_limit: 100
  rate_burst: 20
pool:
  max: 12
  max_per_app: 3
  max_idle: 60
spawn:
  socket_path: /tmp/spawn.sock
metrics:
  addr: 127.0.0.1:9330
`), 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/pool.sock", cfg.Server.SocketPath)
	assert.Equal(t, "pool-1", cfg.Server.Name)
	assert.Equal(t, 100.0, cfg.Server.RateLimit)
	assert.Equal(t, 12, cfg.Pool.Max)
	assert.Equal(t, 3, cfg.Pool.MaxPerApp)
	assert.Equal(t, time.Minute, cfg.Pool.MaxIdle)
	assert.Equal(t, "/tmp/spawn.sock", cfg.Spawn.SocketPath)
	assert.Equal(t, "127.0.0.1:9330", cfg.Metrics.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPYARD_SOCKET", "/tmp/env.sock")
	t.Setenv("APPYARD_MAX", "9")
	t.Setenv("APPYARD_MAX_IDLE", "7")

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/env.sock", cfg.Server.SocketPath)
	assert.Equal(t, 9, cfg.Pool.Max)
	assert.Equal(t, 7*time.Second, cfg.Pool.MaxIdle)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.resolve()
	assert.NoError(t, cfg.Validate())

	cfg.Pool.Max = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.SocketPath = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Spawn.URL = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRoot(t *testing.T) {
	t.Setenv("APPYARD_ROOT", "")
	assert.Equal(t, DefaultRoot, Root())
	t.Setenv("APPYARD_ROOT", "/opt/appyard")
	assert.Equal(t, "/opt/appyard", Root())
}
