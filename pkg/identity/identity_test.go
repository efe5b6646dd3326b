package identity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpnguard-go/pkg/config"
)

func writePasswd(t *testing.T, lines ...string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	orig := passwdPath
	passwdPath = path
	t.Cleanup(func() { passwdPath = orig })
}

type recordedCmd struct {
	name string
	args []string
}

func recordingRunner(cmds *[]recordedCmd) CommandRunner {
	return func(ctx context.Context, name string, args ...string) error {
		*cmds = append(*cmds, recordedCmd{name: name, args: args})
		return nil
	}
}

func stubChown(t *testing.T) *[]string {
	t.Helper()
	var chowned []string
	orig := chownPath
	chownPath = func(path string, uid, gid int) error {
		chowned = append(chowned, path)
		return nil
	}
	t.Cleanup(func() { chownPath = orig })
	return &chowned
}

func testConfig(t *testing.T) *config.IdentityConfig {
	return &config.IdentityConfig{
		Username:      "vpnguard-client",
		UIDRangeStart: 500,
		UIDRangeEnd:   502,
		HomeDir:       filepath.Join(t.TempDir(), "home"),
		WatchDir:      filepath.Join(t.TempDir(), "drop"),
	}
}

func TestAllocateSkipsTakenIDs(t *testing.T) {
	writePasswd(t,
		"root:x:0:0:root:/root:/bin/bash",
		"svc-a:x:500:500::/srv/a:/usr/sbin/nologin",
		// 501 taken as a gid only; still unusable.
		"svc-b:x:777:501::/srv/b:/usr/sbin/nologin",
	)

	p := NewProvisioner(testConfig(t), zerolog.Nop())
	uid, err := p.allocateUID()
	require.NoError(t, err)
	assert.Equal(t, 502, uid)
}

func TestAllocateFailsWhenRangeExhausted(t *testing.T) {
	writePasswd(t,
		"a:x:500:500:::",
		"b:x:501:501:::",
		"c:x:502:502:::",
	)

	p := NewProvisioner(testConfig(t), zerolog.Nop())
	_, err := p.allocateUID()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free uid in range 500-502")
}

func TestProvisionCreatesAccountAndTree(t *testing.T) {
	writePasswd(t, "root:x:0:0:root:/root:/bin/bash")

	cfg := testConfig(t)
	chowned := stubChown(t)
	var cmds []recordedCmd
	p := NewProvisionerWithRunner(cfg, recordingRunner(&cmds), zerolog.Nop())

	id, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500, id.UID)
	assert.Len(t, *chowned, 4, "home plus the three subdirectories handed to the identity")

	var names []string
	for _, c := range cmds {
		names = append(names, c.name)
	}
	assert.Equal(t, []string{"groupadd", "useradd", "setfacl", "setfacl"}, names)

	useradd := cmds[1]
	assert.Contains(t, useradd.args, "--uid")
	assert.Contains(t, useradd.args, "500")
	assert.Contains(t, useradd.args, "/usr/sbin/nologin")

	for _, sub := range []string{"config", "downloads", "watch"} {
		info, err := os.Stat(filepath.Join(cfg.HomeDir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestProvisionReusesExistingAccount(t *testing.T) {
	writePasswd(t,
		"root:x:0:0:root:/root:/bin/bash",
		"vpnguard-client:x:501:501::/srv/vpnguard:/usr/sbin/nologin",
	)

	cfg := testConfig(t)
	stubChown(t)
	var cmds []recordedCmd
	p := NewProvisionerWithRunner(cfg, recordingRunner(&cmds), zerolog.Nop())

	id, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 501, id.UID)

	for _, c := range cmds {
		assert.NotEqual(t, "useradd", c.name, "no second account for an existing name")
		assert.NotEqual(t, "groupadd", c.name)
	}
}
