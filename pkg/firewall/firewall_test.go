package firewall

import (
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpnguard-go/pkg/config"
)

// mockIPTables records commands and answers Exists from a rule set.
type mockIPTables struct {
	commands [][]string
	chains   []string
	existing map[string]bool
}

func newMockIPTables() *mockIPTables {
	return &mockIPTables{existing: make(map[string]bool)}
}

func ruleKey(table, chain string, rulespec []string) string {
	return table + "/" + chain + "/" + strings.Join(rulespec, " ")
}

func (m *mockIPTables) Append(table, chain string, rulespec ...string) error {
	m.commands = append(m.commands, append([]string{"-A", table, chain}, rulespec...))
	m.existing[ruleKey(table, chain, rulespec)] = true
	return nil
}

func (m *mockIPTables) Insert(table, chain string, pos int, rulespec ...string) error {
	m.commands = append(m.commands, append([]string{"-I", table, chain, fmt.Sprintf("%d", pos)}, rulespec...))
	m.existing[ruleKey(table, chain, rulespec)] = true
	return nil
}

func (m *mockIPTables) Delete(table, chain string, rulespec ...string) error {
	m.commands = append(m.commands, append([]string{"-D", table, chain}, rulespec...))
	delete(m.existing, ruleKey(table, chain, rulespec))
	return nil
}

func (m *mockIPTables) NewChain(table, chain string) error {
	m.commands = append(m.commands, []string{"-N", table, chain})
	m.chains = append(m.chains, chain)
	return nil
}

func (m *mockIPTables) ClearChain(table, chain string) error {
	m.commands = append(m.commands, []string{"-F", table, chain})
	for k := range m.existing {
		if strings.HasPrefix(k, table+"/"+chain+"/") {
			delete(m.existing, k)
		}
	}
	return nil
}

func (m *mockIPTables) DeleteChain(table, chain string) error {
	m.commands = append(m.commands, []string{"-X", table, chain})
	return nil
}

func (m *mockIPTables) Exists(table, chain string, rulespec ...string) (bool, error) {
	return m.existing[ruleKey(table, chain, rulespec)], nil
}

func (m *mockIPTables) ListChains(table string) ([]string, error) {
	return m.chains, nil
}

var _ IPTables = &mockIPTables{}

func testConfig() *config.FirewallConfig {
	return &config.FirewallConfig{
		TunnelIfPattern: "tun+",
		ControlPorts:    []int{9091},
	}
}

func TestApplyBuildsDefaultDenyChain(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())

	require.NoError(t, ks.Apply(501))

	expected := [][]string{
		{"-A", "filter", "vpnguard", "-o", "lo", "-m", "comment", "--comment", RulesetVersion, "-j", "ACCEPT"},
		{"-A", "filter", "vpnguard", "-o", "tun+", "-m", "comment", "--comment", RulesetVersion, "-j", "ACCEPT"},
		{"-A", "filter", "vpnguard", "-p", "tcp", "--dport", "9091", "-m", "comment", "--comment", RulesetVersion, "-j", "ACCEPT"},
		{"-A", "filter", "vpnguard", "-m", "comment", "--comment", RulesetVersion, "-j", "DROP"},
	}
	for _, want := range expected {
		assert.Contains(t, mock.commands, want)
	}

	// The jump rule goes in at position 1 so nothing can shadow it.
	assert.Contains(t, mock.commands, []string{
		"-I", "filter", "OUTPUT", "1",
		"-m", "owner", "--uid-owner", "501",
		"-m", "comment", "--comment", RulesetVersion,
		"-j", "vpnguard",
	})
}

func TestApplyOrdersDropLast(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())
	require.NoError(t, ks.Apply(501))

	var appends [][]string
	for _, cmd := range mock.commands {
		if cmd[0] == "-A" && cmd[2] == "vpnguard" {
			appends = append(appends, cmd)
		}
	}
	require.NotEmpty(t, appends)
	last := appends[len(appends)-1]
	assert.Equal(t, "DROP", last[len(last)-1])
}

func TestApplyIsIdempotent(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())

	require.NoError(t, ks.Apply(501))
	require.NoError(t, ks.Apply(501))

	// The second Apply clears and rebuilds rather than stacking rules, and
	// inserts no second jump.
	var jumps, newChains int
	for _, cmd := range mock.commands {
		if cmd[0] == "-I" {
			jumps++
		}
		if cmd[0] == "-N" {
			newChains++
		}
	}
	assert.Equal(t, 1, jumps)
	assert.Equal(t, 1, newChains)
}

func TestVerifyActiveAfterApply(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())

	active, err := ks.Verify(501)
	require.NoError(t, err)
	assert.False(t, active, "nothing applied yet")

	require.NoError(t, ks.Apply(501))

	active, err = ks.Verify(501)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestVerifyFailsForDifferentUID(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())
	require.NoError(t, ks.Apply(501))

	active, err := ks.Verify(777)
	require.NoError(t, err)
	assert.False(t, active, "ruleset scoped to another uid must not verify")
}

func TestFlushRemovesRuleset(t *testing.T) {
	mock := newMockIPTables()
	ks := NewWithBackend(testConfig(), mock, zerolog.Nop())
	require.NoError(t, ks.Apply(501))
	require.NoError(t, ks.Flush(501))

	active, err := ks.Verify(501)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRenderStaticRuleset(t *testing.T) {
	ks := NewWithBackend(testConfig(), newMockIPTables(), zerolog.Nop())
	out := ks.Render(501)

	assert.Contains(t, out, "*filter")
	assert.Contains(t, out, ":vpnguard - [0:0]")
	assert.Contains(t, out, "--uid-owner 501")
	assert.Contains(t, out, RulesetVersion)
	assert.True(t, strings.HasSuffix(out, "COMMIT\n"))

	// Deterministic output: the artifact is static text, not runtime state.
	assert.Equal(t, out, ks.Render(501))
}
