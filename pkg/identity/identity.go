// Package identity provisions the dedicated non-interactive account the
// download client runs as. It is install-time tooling: every failure here is
// surfaced to the operator instead of being worked around, because a half
// provisioned identity would silently run the client with the wrong
// privileges.
package identity

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

// Identity is a provisioned daemon account.
type Identity struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// CommandRunner executes a provisioning command; swappable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// passwdPath and chownPath are swappable for tests.
var (
	passwdPath = "/etc/passwd"
	chownPath  = os.Chown
)

// Provisioner creates the daemon account and its private data tree.
type Provisioner struct {
	cfg    *config.IdentityConfig
	run    CommandRunner
	logger zerolog.Logger
}

// NewProvisioner creates a provisioner for the configured identity.
func NewProvisioner(cfg *config.IdentityConfig, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		run:    execRunner,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

// NewProvisionerWithRunner is NewProvisioner with an explicit runner.
func NewProvisionerWithRunner(cfg *config.IdentityConfig, run CommandRunner, logger zerolog.Logger) *Provisioner {
	p := NewProvisioner(cfg, logger)
	p.run = run
	return p
}

// Provision allocates a free uid, creates the account and the private data
// tree, and grants the account a narrow read path into the interactive
// user's drop folder. It is idempotent over the account: an existing
// account with the configured name is reused.
func (p *Provisioner) Provision(ctx context.Context) (*Identity, error) {
	if uid, ok, err := p.existingUID(); err != nil {
		return nil, err
	} else if ok {
		p.logger.Info().Str("user", p.cfg.Username).Int("uid", uid).Msg("Account already exists, reusing")
		id := &Identity{Username: p.cfg.Username, UID: uid, GID: uid, HomeDir: p.cfg.HomeDir}
		if err := p.createTree(ctx, id); err != nil {
			return nil, err
		}
		return id, nil
	}

	uid, err := p.allocateUID()
	if err != nil {
		return nil, err
	}

	if err := p.run(ctx, "groupadd", "--gid", strconv.Itoa(uid), p.cfg.Username); err != nil {
		return nil, fmt.Errorf("failed to create group %s: %w", p.cfg.Username, err)
	}
	if err := p.run(ctx, "useradd",
		"--uid", strconv.Itoa(uid),
		"--gid", strconv.Itoa(uid),
		"--home-dir", p.cfg.HomeDir,
		"--no-create-home",
		"--shell", "/usr/sbin/nologin",
		p.cfg.Username,
	); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", p.cfg.Username, err)
	}
	p.logger.Info().Str("user", p.cfg.Username).Int("uid", uid).Msg("Account created")

	id := &Identity{Username: p.cfg.Username, UID: uid, GID: uid, HomeDir: p.cfg.HomeDir}
	if err := p.createTree(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Resolve returns the already provisioned identity. Unlike Provision it
// never creates anything: the boot path must refuse to run a client under
// an account that was not set up by the installer.
func (p *Provisioner) Resolve() (*Identity, error) {
	uid, ok, err := p.existingUID()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("account %s not provisioned, run setup first", p.cfg.Username)
	}
	return &Identity{Username: p.cfg.Username, UID: uid, GID: uid, HomeDir: p.cfg.HomeDir}, nil
}

// allocateUID returns the first free uid in the configured range. The same
// value is used for the gid, so both namespaces must be free.
func (p *Provisioner) allocateUID() (int, error) {
	taken, err := takenIDs()
	if err != nil {
		return 0, err
	}
	for uid := p.cfg.UIDRangeStart; uid <= p.cfg.UIDRangeEnd; uid++ {
		if !taken[uid] {
			return uid, nil
		}
	}
	return 0, fmt.Errorf("no free uid in range %d-%d", p.cfg.UIDRangeStart, p.cfg.UIDRangeEnd)
}

// existingUID reports whether the configured account name is already in the
// account database.
func (p *Provisioner) existingUID() (int, bool, error) {
	f, err := os.Open(passwdPath)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open account database: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 3 || fields[0] != p.cfg.Username {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0, false, fmt.Errorf("malformed uid for account %s: %w", p.cfg.Username, err)
		}
		return uid, true, nil
	}
	return 0, false, scanner.Err()
}

func takenIDs() (map[int]bool, error) {
	f, err := os.Open(passwdPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open account database: %w", err)
	}
	defer f.Close()

	taken := make(map[int]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		if uid, err := strconv.Atoi(fields[2]); err == nil {
			taken[uid] = true
		}
		if gid, err := strconv.Atoi(fields[3]); err == nil {
			taken[gid] = true
		}
	}
	return taken, scanner.Err()
}

// createTree builds the private data tree under the home directory and
// grants the identity a read path into the interactive drop folder via
// per-path ACL entries. Group membership is never broadened.
func (p *Provisioner) createTree(ctx context.Context, id *Identity) error {
	dirs := []string{
		id.HomeDir,
		filepath.Join(id.HomeDir, "config"),
		filepath.Join(id.HomeDir, "downloads"),
		filepath.Join(id.HomeDir, "watch"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := chownPath(dir, id.UID, id.GID); err != nil {
			return fmt.Errorf("failed to chown %s: %w", dir, err)
		}
	}

	if p.cfg.WatchDir == "" {
		return nil
	}
	// The drop folder stays owned by the interactive account; the identity
	// only gets traversal plus read on what lands there.
	grants := [][]string{
		{"-m", fmt.Sprintf("u:%d:rx", id.UID), p.cfg.WatchDir},
		{"-d", "-m", fmt.Sprintf("u:%d:r", id.UID), p.cfg.WatchDir},
	}
	for _, args := range grants {
		if err := p.run(ctx, "setfacl", args...); err != nil {
			return fmt.Errorf("failed to grant ACL on %s: %w", p.cfg.WatchDir, err)
		}
	}
	p.logger.Info().Str("dir", p.cfg.WatchDir).Int("uid", id.UID).Msg("Drop folder access granted")
	return nil
}
