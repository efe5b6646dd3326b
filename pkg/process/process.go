// Package process controls the download client's lifecycle through the host
// service manager. The watcher runs unprivileged, so stop/start/status are
// delegated to configured commands rather than signalling pids directly.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

const statusPollInterval = 500 * time.Millisecond

// Manager controls the client process.
type Manager interface {
	// Stop stops the client: graceful first, escalating to the kill command
	// if the bounded wait is exceeded.
	Stop(ctx context.Context) error

	// Start starts the client and waits until it reports running.
	Start(ctx context.Context) error

	// Running reports whether the client process is up.
	Running(ctx context.Context) (bool, error)
}

// CommandRunner executes a command; swappable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// CommandManager implements Manager by shelling out to the configured
// service-manager commands.
type CommandManager struct {
	cfg    *config.ClientConfig
	run    CommandRunner
	logger zerolog.Logger
}

// NewCommandManager creates a CommandManager for the configured client.
func NewCommandManager(cfg *config.ClientConfig, logger zerolog.Logger) *CommandManager {
	return &CommandManager{
		cfg:    cfg,
		run:    execRunner,
		logger: logger.With().Str("component", "process").Logger(),
	}
}

// NewCommandManagerWithRunner is NewCommandManager with an explicit runner.
func NewCommandManagerWithRunner(cfg *config.ClientConfig, run CommandRunner, logger zerolog.Logger) *CommandManager {
	m := NewCommandManager(cfg, logger)
	m.run = run
	return m
}

func (m *CommandManager) Running(ctx context.Context) (bool, error) {
	if len(m.cfg.StatusCommand) == 0 {
		return false, fmt.Errorf("no status command configured")
	}
	err := m.run(ctx, m.cfg.StatusCommand[0], m.cfg.StatusCommand[1:]...)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Non-zero exit means "not running", not a probe failure.
		return false, nil
	}
	return false, fmt.Errorf("status command failed: %w", err)
}

func (m *CommandManager) Stop(ctx context.Context) error {
	if len(m.cfg.StopCommand) == 0 {
		return fmt.Errorf("no stop command configured")
	}
	if err := m.run(ctx, m.cfg.StopCommand[0], m.cfg.StopCommand[1:]...); err != nil {
		return fmt.Errorf("stop command failed: %w", err)
	}

	stopped, err := m.waitState(ctx, false, m.cfg.GracefulStopTimeout)
	if err != nil {
		return err
	}
	if stopped {
		return nil
	}

	// Graceful window exhausted; escalate.
	if len(m.cfg.KillCommand) == 0 {
		return fmt.Errorf("client did not stop within %s and no kill command configured", m.cfg.GracefulStopTimeout)
	}
	m.logger.Warn().Dur("graceful", m.cfg.GracefulStopTimeout).Msg("Graceful stop timed out, escalating to kill")
	if err := m.run(ctx, m.cfg.KillCommand[0], m.cfg.KillCommand[1:]...); err != nil {
		return fmt.Errorf("kill command failed: %w", err)
	}

	stopped, err = m.waitState(ctx, false, m.cfg.GracefulStopTimeout)
	if err != nil {
		return err
	}
	if !stopped {
		return fmt.Errorf("client still running after kill escalation")
	}
	return nil
}

func (m *CommandManager) Start(ctx context.Context) error {
	if len(m.cfg.StartCommand) == 0 {
		return fmt.Errorf("no start command configured")
	}
	if err := m.run(ctx, m.cfg.StartCommand[0], m.cfg.StartCommand[1:]...); err != nil {
		return fmt.Errorf("start command failed: %w", err)
	}

	started, err := m.waitState(ctx, true, m.cfg.StartupTimeout)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("client not running %s after start", m.cfg.StartupTimeout)
	}
	return nil
}

// waitState polls Running until it matches want or the window expires.
func (m *CommandManager) waitState(ctx context.Context, want bool, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	for {
		running, err := m.Running(ctx)
		if err != nil {
			return false, err
		}
		if running == want {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(statusPollInterval):
		}
	}
}
