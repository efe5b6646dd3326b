package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"vpnguard-go/pkg/boot"
	"vpnguard-go/pkg/config"
	"vpnguard-go/pkg/creds"
	"vpnguard-go/pkg/firewall"
	"vpnguard-go/pkg/identity"
	"vpnguard-go/pkg/logging"
)

// vpnguard-boot is the privileged supervisor: it mounts the download share,
// verifies the kill-switch, and only then starts the client under the
// daemon identity. It runs as root; everything it starts does not.
func main() {
	configPath := flag.String("config", "/etc/vpnguard/config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Error loading configuration")
	}

	logger, logCloser, err := logging.New("vpnguard-boot", &cfg.Logging, cfg.Foreground)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	id, err := identity.NewProvisioner(&cfg.Identity, logger).Resolve()
	if err != nil {
		logger.Fatal().Err(err).Msg("Daemon identity unavailable")
	}

	fw, err := firewall.New(&cfg.Firewall, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create firewall backend")
	}

	store := creds.NewExecStore(logger)
	mounter := boot.NewExecMounter(logger)
	runner := boot.NewExecClientRunner(cfg.Boot.ClientCommand, id, logger)
	supervisor := boot.NewSupervisor(&cfg.Boot, store, mounter, fw, runner, id, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	if err := supervisor.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("stage", string(supervisor.Stage())).Msg("Boot failed")
	}
	logger.Info().Msg("vpnguard-boot stopped")
}
