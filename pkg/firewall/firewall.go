// Package firewall implements the kill-switch: a default-deny OUTPUT policy
// scoped to the download daemon's uid. Only loopback, the tunnel interface
// pattern, and the configured local control-plane ports are allowed; the
// final rule drops everything else. The ruleset is the authoritative
// containment layer: it stays correct even if the watcher process dies or
// the client ignores its configured bind address.
package firewall

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

const (
	chainGuard = "vpnguard"

	// RulesetVersion rides on every generated rule as an iptables comment.
	// Verify only reports active for rules carrying the current version, so
	// a leftover ruleset from an older install never satisfies the startup
	// guard.
	RulesetVersion = "vpnguard:v1"
)

// IPTables wraps the go-iptables methods used by the kill-switch, allowing
// mocking in tests.
type IPTables interface {
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	ListChains(table string) ([]string, error)
}

// KillSwitch manages the daemon identity's default-deny ruleset.
type KillSwitch struct {
	cfg    *config.FirewallConfig
	ipt    IPTables
	logger zerolog.Logger
}

// New creates a KillSwitch bound to the host's iptables.
func New(cfg *config.FirewallConfig, logger zerolog.Logger) (*KillSwitch, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handler: %w", err)
	}
	return NewWithBackend(cfg, ipt, logger), nil
}

// NewWithBackend creates a KillSwitch with an explicit backend.
func NewWithBackend(cfg *config.FirewallConfig, ipt IPTables, logger zerolog.Logger) *KillSwitch {
	return &KillSwitch{
		cfg:    cfg,
		ipt:    ipt,
		logger: logger.With().Str("component", "firewall").Logger(),
	}
}

// jumpRule diverts all traffic owned by the daemon uid into the guard chain.
func (k *KillSwitch) jumpRule(uid int) []string {
	return []string{
		"-m", "owner", "--uid-owner", strconv.Itoa(uid),
		"-m", "comment", "--comment", RulesetVersion,
		"-j", chainGuard,
	}
}

// versioned appends the version comment and target to a rule match.
func versioned(match []string, target string) []string {
	rule := append([]string{}, match...)
	return append(rule, "-m", "comment", "--comment", RulesetVersion, "-j", target)
}

// chainRules is the ordered guard chain body. Order matters: accepts first,
// unconditional drop last.
func (k *KillSwitch) chainRules() [][]string {
	rules := [][]string{
		versioned([]string{"-o", "lo"}, "ACCEPT"),
		versioned([]string{"-o", k.cfg.TunnelIfPattern}, "ACCEPT"),
	}
	for _, port := range k.cfg.ControlPorts {
		rules = append(rules, versioned([]string{"-p", "tcp", "--dport", strconv.Itoa(port)}, "ACCEPT"))
	}
	return append(rules, versioned(nil, "DROP"))
}

// dropRule is the chain's terminal rule, checked by Verify.
func (k *KillSwitch) dropRule() []string {
	return []string{"-m", "comment", "--comment", RulesetVersion, "-j", "DROP"}
}

// Apply (re)loads the ruleset. It is idempotent: the guard chain is flushed
// and rebuilt, and the OUTPUT jump is inserted only if missing. Run by the
// privileged boot loader, never by the watcher.
func (k *KillSwitch) Apply(uid int) error {
	k.logger.Debug().Int("uid", uid).Msg("Applying kill-switch ruleset")

	chains, err := k.ipt.ListChains("filter")
	if err != nil {
		return fmt.Errorf("failed to list filter chains: %w", err)
	}
	exists := false
	for _, ch := range chains {
		if ch == chainGuard {
			exists = true
			break
		}
	}
	if exists {
		if err := k.ipt.ClearChain("filter", chainGuard); err != nil {
			return fmt.Errorf("failed to clear chain %s: %w", chainGuard, err)
		}
	} else {
		if err := k.ipt.NewChain("filter", chainGuard); err != nil {
			return fmt.Errorf("failed to create chain %s: %w", chainGuard, err)
		}
	}

	for _, rule := range k.chainRules() {
		if err := k.ipt.Append("filter", chainGuard, rule...); err != nil {
			return fmt.Errorf("failed to append rule %v: %w", rule, err)
		}
	}

	jump := k.jumpRule(uid)
	jumpExists, err := k.ipt.Exists("filter", "OUTPUT", jump...)
	if err != nil {
		return fmt.Errorf("failed to check OUTPUT jump: %w", err)
	}
	if !jumpExists {
		// Insert at position 1 so no earlier ACCEPT can shadow the guard.
		if err := k.ipt.Insert("filter", "OUTPUT", 1, jump...); err != nil {
			return fmt.Errorf("failed to insert OUTPUT jump: %w", err)
		}
	}

	k.logger.Info().Int("uid", uid).Str("version", RulesetVersion).Msg("Kill-switch ruleset active")
	return nil
}

// Verify reports whether the current-version ruleset is live: the OUTPUT
// jump for the daemon uid and the terminal drop must both be present. The
// daemon startup guard calls this and refuses to exec the client when it
// reports inactive.
func (k *KillSwitch) Verify(uid int) (bool, error) {
	jumpExists, err := k.ipt.Exists("filter", "OUTPUT", k.jumpRule(uid)...)
	if err != nil {
		return false, fmt.Errorf("failed to check OUTPUT jump: %w", err)
	}
	if !jumpExists {
		return false, nil
	}

	dropExists, err := k.ipt.Exists("filter", chainGuard, k.dropRule()...)
	if err != nil {
		return false, fmt.Errorf("failed to check drop rule: %w", err)
	}
	return dropExists, nil
}

// Flush removes the ruleset. Used by uninstall only; boot never flushes.
func (k *KillSwitch) Flush(uid int) error {
	jump := k.jumpRule(uid)
	if exists, _ := k.ipt.Exists("filter", "OUTPUT", jump...); exists {
		if err := k.ipt.Delete("filter", "OUTPUT", jump...); err != nil {
			return fmt.Errorf("failed to delete OUTPUT jump: %w", err)
		}
	}
	if err := k.ipt.ClearChain("filter", chainGuard); err != nil {
		return fmt.Errorf("failed to clear chain %s: %w", chainGuard, err)
	}
	if err := k.ipt.DeleteChain("filter", chainGuard); err != nil {
		return fmt.Errorf("failed to delete chain %s: %w", chainGuard, err)
	}
	return nil
}

// Render returns the ruleset as static iptables-restore text. The setup
// tool writes this next to the config as the versioned on-disk artifact, so
// an operator can inspect exactly what the boot loader installs.
func (k *KillSwitch) Render(uid int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# vpnguard kill-switch ruleset %s\n", RulesetVersion)
	b.WriteString("*filter\n")
	fmt.Fprintf(&b, ":%s - [0:0]\n", chainGuard)
	fmt.Fprintf(&b, "-I OUTPUT 1 %s\n", strings.Join(k.jumpRule(uid), " "))
	for _, rule := range k.chainRules() {
		fmt.Fprintf(&b, "-A %s %s\n", chainGuard, strings.Join(rule, " "))
	}
	b.WriteString("COMMIT\n")
	return b.String()
}
