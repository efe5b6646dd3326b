// Package rebind enforces the client's transport bind address. The client
// has no live-reload for its bind, so enforcement is always
// update-then-restart: write the address into the persisted settings, stop
// the client, start it again, verify. The enforcer never leaves the client
// running with a stale bind across a tunnel-state transition; when even the
// retry budget is exhausted it logs and returns, leaving the firewall
// kill-switch as the safety backstop.
package rebind

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/process"
)

// Enforcer rewrites the bind address and cycles the client.
type Enforcer struct {
	settingsPath string
	pm           process.Manager
	logger       zerolog.Logger
}

// NewEnforcer creates an Enforcer over the given settings file and process
// manager.
func NewEnforcer(settingsPath string, pm process.Manager, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		settingsPath: settingsPath,
		pm:           pm,
		logger:       logger.With().Str("component", "rebind").Logger(),
	}
}

// Current returns the bind address currently persisted in the settings.
func (e *Enforcer) Current() (net.IP, error) {
	settings, err := loadSettings(e.settingsPath)
	if err != nil {
		return nil, err
	}
	raw, ok := settings[keyBindAddress].(string)
	if !ok {
		return nil, fmt.Errorf("settings missing %q", keyBindAddress)
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("settings contain invalid bind address %q", raw)
	}
	return ip, nil
}

// Rebind writes addr into the settings and restarts the client, retrying
// the restart cycle once. Returns nil only once the persisted address
// matches and the client is running again.
func (e *Enforcer) Rebind(ctx context.Context, addr net.IP) error {
	settings, err := loadSettings(e.settingsPath)
	if err != nil {
		return err
	}
	settings[keyBindAddress] = addr.String()
	if err := saveSettings(e.settingsPath, settings); err != nil {
		return err
	}
	e.logger.Info().Str("addr", addr.String()).Msg("Bind address written, restarting client")

	if err := e.cycle(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Client restart failed, retrying once")
		if err := e.cycle(ctx); err != nil {
			return fmt.Errorf("client restart retry failed: %w", err)
		}
	}

	// Read back the effective address; a mismatch here means something else
	// raced the settings file.
	effective, err := e.Current()
	if err != nil {
		return fmt.Errorf("failed to verify bind address: %w", err)
	}
	if !effective.Equal(addr) {
		return fmt.Errorf("bind address readback mismatch: wrote %s, found %s", addr, effective)
	}

	e.logger.Info().Str("addr", addr.String()).Msg("Client rebound")
	return nil
}

func (e *Enforcer) cycle(ctx context.Context) error {
	if err := e.pm.Stop(ctx); err != nil {
		return err
	}
	return e.pm.Start(ctx)
}
