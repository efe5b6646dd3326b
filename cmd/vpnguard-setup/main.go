package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"vpnguard-go/pkg/config"
	"vpnguard-go/pkg/identity"
	"vpnguard-go/pkg/logging"
	"vpnguard-go/pkg/rebind"
)

// vpnguard-setup is the install-time provisioner: it creates the daemon
// account and its data tree, and writes the client's initial settings file
// bound to loopback. Run once as root before enabling the boot supervisor.
func main() {
	configPath := flag.String("config", "/etc/vpnguard/config.yaml", "Path to the configuration file")
	flag.Parse()

	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Error loading configuration")
	}

	logger, logCloser, err := logging.New("vpnguard-setup", &cfg.Logging, true)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()

	id, err := identity.NewProvisioner(&cfg.Identity, logger).Provision(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("Identity provisioning failed")
	}
	logger.Info().Str("user", id.Username).Int("uid", id.UID).Msg("Daemon identity ready")

	settingsPath := cfg.Client.SettingsFile
	if settingsPath == "" {
		settingsPath = filepath.Join(id.HomeDir, "config", "settings.json")
	}
	if _, err := os.Stat(settingsPath); err == nil {
		logger.Info().Str("file", settingsPath).Msg("Settings file exists, leaving it alone")
		return
	}

	var rpcPassword string
	if cfg.Client.RPCPassword != nil {
		if err := cfg.Client.RPCPassword.Access(func(b []byte) { rpcPassword = string(b) }); err != nil {
			logger.Fatal().Err(err).Msg("Failed to read RPC password")
		}
	}

	// The client starts life bound to loopback: unreachable until the
	// watcher observes a live tunnel and rebinds it.
	err = rebind.BootstrapSettings(settingsPath,
		cfg.Monitor.LoopbackAddr,
		filepath.Join(id.HomeDir, "downloads"),
		cfg.Identity.WatchDir,
		cfg.Client.RPCUsername,
		rpcPassword,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to write initial settings")
	}
	if err := os.Chown(settingsPath, id.UID, id.GID); err != nil {
		logger.Fatal().Err(err).Str("file", settingsPath).Msg("Failed to hand settings to the daemon identity")
	}
	logger.Info().Str("file", settingsPath).Msg("Initial settings written, client bound to loopback")
}
