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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, []string{"tun", "wg", "utun"}, cfg.Monitor.TunnelInterfaces)
	assert.Equal(t, 15*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, "127.0.0.1", cfg.Monitor.LoopbackAddr.String())
	assert.Equal(t, "http://127.0.0.1:9091/transmission/rpc", cfg.Client.RPCURL)
	assert.Equal(t, 20*time.Second, cfg.Client.GracefulStopTimeout)
	assert.Equal(t, "tun+", cfg.Firewall.TunnelIfPattern)
	assert.Equal(t, 30*time.Second, cfg.Boot.RestartMinInterval)
	assert.Equal(t, "vpnguard-client", cfg.Identity.Username)
	assert.Equal(t, 500, cfg.Identity.UIDRangeStart)
	assert.Equal(t, 999, cfg.Identity.UIDRangeEnd)
}

func TestLoadReadsYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
monitor:
  tunnel_interfaces: ["wg"]
  poll_interval: 5s
  loopback_addr: 127.0.0.2
client:
  rpc_url: http://127.0.0.1:9099/rpc
  rpc_username: guard
boot:
  mount_point: /mnt/dl
  restart_min_interval: 45s
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"wg"}, cfg.Monitor.TunnelInterfaces)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, "127.0.0.2", cfg.Monitor.LoopbackAddr.String())
	assert.Equal(t, "http://127.0.0.1:9099/rpc", cfg.Client.RPCURL)
	assert.Equal(t, "guard", cfg.Client.RPCUsername)
	assert.Equal(t, "/mnt/dl", cfg.Boot.MountPoint)
	assert.Equal(t, 45*time.Second, cfg.Boot.RestartMinInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("VPNGUARD_MONITOR_POLL_INTERVAL", "3s")
	t.Setenv("VPNGUARD_CLIENT_RPC_USERNAME", "from-env")

	cfg, err := Load(writeConfig(t, `
monitor:
  poll_interval: 30s
client:
  rpc_username: from-file
`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, "from-env", cfg.Client.RPCUsername)
}

func TestSecretPromotedAndCleared(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
client:
  rpc_password: hunter2
`))
	require.NoError(t, err)

	assert.Empty(t, cfg.Client.RPCPasswordStr, "plaintext cleared after promotion")
	require.NotNil(t, cfg.Client.RPCPassword)

	var got string
	require.NoError(t, cfg.Client.RPCPassword.Access(func(b []byte) { got = string(b) }))
	assert.Equal(t, "hunter2", got)
}

func TestInvalidLoopbackAddrRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
monitor:
  loopback_addr: not-an-ip
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback_addr")
}

func TestInvalidUIDRangeRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
identity:
  uid_range_start: 900
  uid_range_end: 600
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid range")
}

func TestMissingFileToleratedWithEnv(t *testing.T) {
	t.Setenv("VPNGUARD_BOOT_MOUNT_POINT", "/mnt/env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/mnt/env", cfg.Boot.MountPoint)
}
