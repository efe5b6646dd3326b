// Package script runs optional operator hooks on tunnel transitions with
// the transition details passed through the environment.
package script

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

const hookTimeout = 30 * time.Second

// runHook is swappable for tests.
var runHook = func(ctx context.Context, script string, env []string) error {
	cmd := exec.CommandContext(ctx, script)
	cmd.Env = env
	return cmd.Run()
}

// Runner executes transition hook scripts.
type Runner struct {
	cfg    *config.ScriptConfig
	logger zerolog.Logger
}

// NewRunner creates a new script runner.
func NewRunner(cfg *config.ScriptConfig, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger.With().Str("component", "script").Logger(),
	}
}

// TunnelUp runs the tunnel-up hook, if configured.
func (r *Runner) TunnelUp(iface string, addr net.IP) {
	r.run(r.cfg.TunnelUp, "up", iface, addr)
}

// TunnelDown runs the tunnel-down hook, if configured.
func (r *Runner) TunnelDown() {
	r.run(r.cfg.TunnelDown, "down", "", nil)
}

func (r *Runner) run(script, phase, iface string, addr net.IP) {
	if script == "" {
		return
	}

	env := os.Environ()
	env = append(env, fmt.Sprintf("TUNNEL_PHASE=%s", phase))
	if iface != "" {
		env = append(env, fmt.Sprintf("TUNNEL_DEV=%s", iface))
	}
	if addr != nil {
		env = append(env, fmt.Sprintf("TUNNEL_ADDR=%s", addr.String()))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		if err := runHook(ctx, script, env); err != nil {
			r.logger.Error().Err(err).Str("script", script).Str("phase", phase).Msg("Hook script failed")
			return
		}
		r.logger.Debug().Str("script", script).Str("phase", phase).Msg("Hook script finished")
	}()
}
