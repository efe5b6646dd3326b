package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"vpnguard-go/pkg/config"
	"vpnguard-go/pkg/firewall"
	"vpnguard-go/pkg/identity"
	"vpnguard-go/pkg/logging"
)

// vpnguard-fw loads, checks, and removes the kill-switch ruleset. It is the
// only place rules are written, so the boot supervisor and the operator
// share one definition of "protected".
func main() {
	configPath := flag.String("config", "/etc/vpnguard/config.yaml", "Path to the configuration file")
	flag.Parse()

	action := flag.Arg(0)
	if action == "" {
		fmt.Fprintln(os.Stderr, "usage: vpnguard-fw [-config file] apply|verify|flush|render")
		os.Exit(2)
	}

	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Error loading configuration")
	}

	logger, logCloser, err := logging.New("vpnguard-fw", &cfg.Logging, true)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	id, err := identity.NewProvisioner(&cfg.Identity, logger).Resolve()
	if err != nil {
		logger.Fatal().Err(err).Msg("Daemon identity unavailable")
	}

	fw, err := firewall.New(&cfg.Firewall, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create firewall backend")
	}

	switch action {
	case "apply":
		if err := fw.Apply(id.UID); err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply kill-switch")
		}
		logger.Info().Int("uid", id.UID).Msg("Kill-switch applied")

	case "verify":
		active, err := fw.Verify(id.UID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Verification failed")
		}
		if !active {
			logger.Error().Int("uid", id.UID).Msg("Kill-switch NOT active")
			os.Exit(1)
		}
		logger.Info().Int("uid", id.UID).Msg("Kill-switch active")

	case "flush":
		if err := fw.Flush(id.UID); err != nil {
			logger.Fatal().Err(err).Msg("Failed to flush kill-switch")
		}
		logger.Info().Msg("Kill-switch removed")

	case "render":
		out := fw.Render(id.UID)
		if cfg.Firewall.RulesetFile == "" {
			fmt.Print(out)
			return
		}
		if err := os.WriteFile(cfg.Firewall.RulesetFile, []byte(out), 0o644); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write ruleset file")
		}
		logger.Info().Str("file", cfg.Firewall.RulesetFile).Msg("Ruleset rendered")

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q (want apply|verify|flush|render)\n", action)
		os.Exit(2)
	}
}
