package boot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/securestore"
)

// Mounter attaches the network share holding the download area.
type Mounter interface {
	Mounted(path string) (bool, error)
	Mount(ctx context.Context, share, mountPoint string, password *securestore.Secret) error
}

// mountsPath is swappable for tests.
var mountsPath = "/proc/self/mounts"

// ExecMounter shells out to mount(8). The share password travels through the
// PASSWD environment variable of the mount helper, never through argv or a
// file.
type ExecMounter struct {
	logger zerolog.Logger
}

// NewExecMounter creates the exec-based mounter.
func NewExecMounter(logger zerolog.Logger) *ExecMounter {
	return &ExecMounter{logger: logger.With().Str("component", "mount").Logger()}
}

// Mounted reports whether something is mounted at path.
func (m *ExecMounter) Mounted(path string) (bool, error) {
	data, err := os.ReadFile(mountsPath)
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}
	clean := filepath.Clean(path)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true, nil
		}
	}
	return false, nil
}

// Mount attaches the share at mountPoint.
func (m *ExecMounter) Mount(ctx context.Context, share, mountPoint string, password *securestore.Secret) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}

	cmd := exec.CommandContext(ctx, "mount", "-t", "cifs", share, mountPoint, "-o", "iocharset=utf8")
	cmd.Env = os.Environ()
	if password != nil {
		err := password.Access(func(b []byte) {
			cmd.Env = append(cmd.Env, "PASSWD="+string(b))
		})
		if err != nil {
			return fmt.Errorf("failed to access share credential: %w", err)
		}
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount of %s failed: %w (%s)", share, err, strings.TrimSpace(string(out)))
	}
	m.logger.Info().Str("share", share).Str("mountpoint", mountPoint).Msg("Share mounted")
	return nil
}
