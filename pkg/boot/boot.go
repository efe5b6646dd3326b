// Package boot is the privileged supervisor that brings the download stack
// up in order: consent helper, network share, kill-switch verification, then
// the client process itself. Stages fail closed: a stage that cannot be
// completed stops the boot instead of starting the client unprotected.
package boot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"vpnguard-go/pkg/config"
	"vpnguard-go/pkg/creds"
	"vpnguard-go/pkg/identity"
)

// Stage is the supervisor's progress through the boot sequence.
type Stage string

const (
	StageMountPending     Stage = "mount_pending"
	StageMountReady       Stage = "mount_ready"
	StageFirewallVerified Stage = "firewall_verified"
	StageDaemonStarted    Stage = "daemon_started"
)

// FirewallVerifier checks (and if needed repairs) the kill-switch before the
// client is allowed to run.
type FirewallVerifier interface {
	Verify(uid int) (bool, error)
	Apply(uid int) error
}

// ClientRunner runs one incarnation of the client process to completion.
type ClientRunner interface {
	Run(ctx context.Context) error
}

// Supervisor drives the boot stage machine and then babysits the client.
type Supervisor struct {
	cfg     *config.BootConfig
	store   creds.Store
	mounter Mounter
	fw      FirewallVerifier
	runner  ClientRunner
	id      *identity.Identity
	limiter *rate.Limiter
	stage   Stage
	logger  zerolog.Logger
}

// NewSupervisor assembles the boot supervisor.
func NewSupervisor(cfg *config.BootConfig, store creds.Store, mounter Mounter, fw FirewallVerifier, runner ClientRunner, id *identity.Identity, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		mounter: mounter,
		fw:      fw,
		runner:  runner,
		id:      id,
		limiter: rate.NewLimiter(rate.Every(cfg.RestartMinInterval), 1),
		stage:   StageMountPending,
		logger:  logger.With().Str("component", "boot").Logger(),
	}
}

// Stage returns the current boot stage.
func (s *Supervisor) Stage() Stage {
	return s.stage
}

// Run executes the boot sequence and then supervises the client until ctx is
// cancelled. Any stage failure is returned so the caller can exit non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	s.launchConsentHelper(ctx)

	if err := s.ensureMounted(ctx); err != nil {
		return err
	}
	s.setStage(StageMountReady)

	if err := s.verifyFirewall(); err != nil {
		return err
	}
	s.setStage(StageFirewallVerified)

	s.setStage(StageDaemonStarted)
	return s.supervise(ctx)
}

func (s *Supervisor) setStage(stage Stage) {
	s.stage = stage
	s.logger.Info().Str("stage", string(stage)).Msg("Boot stage reached")
}

// launchConsentHelper starts the configured helper that dismisses the
// one-time tunnel activation prompt. It is opaque and best-effort: a failure
// here must not block the boot.
func (s *Supervisor) launchConsentHelper(ctx context.Context) {
	if len(s.cfg.ConsentHelper) == 0 {
		return
	}
	cmd := exec.CommandContext(ctx, s.cfg.ConsentHelper[0], s.cfg.ConsentHelper[1:]...)
	if err := cmd.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("Consent helper failed to start")
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Debug().Err(err).Msg("Consent helper exited with error")
		}
	}()
	s.logger.Info().Str("helper", s.cfg.ConsentHelper[0]).Msg("Consent helper launched")
}

// ensureMounted waits for the share to be available, mounting it with a
// credential fetched at mount time. The password lives in locked memory for
// the duration of the attempt and is destroyed before the stage completes.
func (s *Supervisor) ensureMounted(ctx context.Context) error {
	mounted, err := s.mounter.Mounted(s.cfg.MountPoint)
	if err != nil {
		return fmt.Errorf("mount check failed: %w", err)
	}
	if mounted {
		s.logger.Info().Str("mountpoint", s.cfg.MountPoint).Msg("Share already mounted")
		return nil
	}

	deadline := time.Now().Add(s.cfg.MountTimeout)
	for {
		password, err := s.store.Lookup(ctx, s.cfg.CredService, s.cfg.CredAccount)
		if err != nil {
			return fmt.Errorf("cannot fetch share credential: %w", err)
		}
		err = s.mounter.Mount(ctx, s.cfg.ShareURL, s.cfg.MountPoint, password)
		password.Destroy()
		if err == nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("Mount attempt failed")

		if time.Now().After(deadline) {
			return fmt.Errorf("share not mounted within %s: %w", s.cfg.MountTimeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.MountPollInterval):
		}
	}
}

// verifyFirewall confirms the kill-switch is active for the daemon identity,
// re-applying the ruleset once if it is not.
func (s *Supervisor) verifyFirewall() error {
	active, err := s.fw.Verify(s.id.UID)
	if err != nil {
		return fmt.Errorf("kill-switch verification failed: %w", err)
	}
	if active {
		return nil
	}

	s.logger.Warn().Int("uid", s.id.UID).Msg("Kill-switch not active, re-applying")
	if err := s.fw.Apply(s.id.UID); err != nil {
		return fmt.Errorf("kill-switch re-apply failed: %w", err)
	}
	active, err = s.fw.Verify(s.id.UID)
	if err != nil {
		return fmt.Errorf("kill-switch verification failed after re-apply: %w", err)
	}
	if !active {
		return fmt.Errorf("kill-switch still inactive after re-apply, refusing to start client")
	}
	return nil
}

// supervise restarts the client whenever it exits, throttled to the
// configured minimum interval so a crash-looping client cannot spin.
func (s *Supervisor) supervise(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		s.logger.Info().Msg("Starting client process")
		err := s.runner.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Client process exited with error")
		} else {
			s.logger.Warn().Msg("Client process exited")
		}
	}
}

// ExecClientRunner runs the configured client command under the daemon
// identity.
type ExecClientRunner struct {
	command []string
	id      *identity.Identity
	logger  zerolog.Logger
}

// NewExecClientRunner creates a runner for the configured client command.
func NewExecClientRunner(command []string, id *identity.Identity, logger zerolog.Logger) *ExecClientRunner {
	return &ExecClientRunner{
		command: command,
		id:      id,
		logger:  logger.With().Str("component", "client-exec").Logger(),
	}
}

// Run executes one incarnation of the client and waits for it to exit. The
// uid/gid credential is set on the exec itself, so no code runs privileged
// in the child.
func (r *ExecClientRunner) Run(ctx context.Context) error {
	if len(r.command) == 0 {
		return fmt.Errorf("no client command configured")
	}
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Dir = r.id.HomeDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(r.id.UID),
			Gid: uint32(r.id.GID),
		},
	}
	cmd.Env = append(os.Environ(),
		"HOME="+r.id.HomeDir,
		"USER="+r.id.Username,
	)
	return cmd.Run()
}
