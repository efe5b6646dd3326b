package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/sevlyar/go-daemon"

	"vpnguard-go/pkg/client"
	"vpnguard-go/pkg/cmdsock"
	"vpnguard-go/pkg/config"
	"vpnguard-go/pkg/logging"
	"vpnguard-go/pkg/metrics"
	"vpnguard-go/pkg/monitor"
	"vpnguard-go/pkg/notify"
	"vpnguard-go/pkg/process"
	"vpnguard-go/pkg/rebind"
	"vpnguard-go/pkg/script"
)

func main() {
	configPath := flag.String("config", "/etc/vpnguard/config.yaml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	foreground := flag.Bool("foreground", false, "Run in the foreground")
	flag.Parse()

	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Error loading configuration")
	}
	runForeground := *foreground || cfg.Foreground

	if !runForeground {
		cntxt := &daemon.Context{
			PidFileName: cfg.PIDFile,
			PidFilePerm: 0o644,
			Umask:       0o27,
		}
		child, err := cntxt.Reborn()
		if err != nil {
			bootLog.Fatal().Err(err).Msg("Failed to daemonize")
		}
		if child != nil {
			// Parent process: the daemon is up.
			return
		}
		defer cntxt.Release()
	}

	logger, logCloser, err := logging.New("vpnguard", &cfg.Logging, runForeground)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logCloser.Close()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	logger.Info().Str("config", *configPath).Msg("Starting vpnguard watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var recorder metrics.Recorder = metrics.NewNoopRecorder()
	if cfg.Metrics.Enabled {
		recorder = metrics.NewPrometheusRecorder()
	}

	controller := client.NewController(&cfg.Client, logger)
	pm := process.NewCommandManager(&cfg.Client, logger)
	enforcer := rebind.NewEnforcer(cfg.Client.SettingsFile, pm, logger)
	notifier := notify.New(&cfg.Notify, logger)
	hooks := script.NewRunner(&cfg.Scripts, logger)

	reconciler := monitor.NewReconciler(cfg.Monitor.LoopbackAddr, enforcer, controller, hooks, notifier, recorder, logger)
	provider := monitor.NewInterfaceProvider(cfg.Monitor.TunnelInterfaces, logger)
	trigger := monitor.NewTrigger(logger)
	watcher := monitor.NewWatcher(&cfg.Monitor, provider, reconciler, trigger, logger)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(&cfg.Metrics, recorder, func() interface{} {
			return reconciler.Status()
		}, logger)
		go srv.Start()
		defer srv.Close()
	}

	cmdChan := make(chan cmdsock.Command)
	listener := cmdsock.NewListener(cfg.CmdSocket, cmdChan, logger)
	go func() {
		if err := listener.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Command socket listener failed")
		}
	}()

	go handleCommands(ctx, cmdChan, reconciler, controller, enforcer, logger)

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- watcher.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-watcherDone
	case err := <-watcherDone:
		if err != nil {
			logger.Error().Err(err).Msg("Watcher loop failed")
		}
		cancel()
	}

	logger.Info().Msg("vpnguard watcher stopped")
}

// handleCommands serves the operator control socket. Commands run outside
// the watcher loop, so manual actions work even while the loop is in a
// cool-down sleep.
func handleCommands(ctx context.Context, cmdChan <-chan cmdsock.Command, reconciler *monitor.Reconciler, controller *client.Controller, enforcer *rebind.Enforcer, logger zerolog.Logger) {
	for {
		var cmd cmdsock.Command
		select {
		case <-ctx.Done():
			return
		case cmd = <-cmdChan:
		}

		switch cmd.Cmd {
		case "status":
			data, err := json.Marshal(reconciler.Status())
			if err != nil {
				cmd.ResponseCh <- "ERR " + err.Error()
				continue
			}
			cmd.ResponseCh <- string(data)

		case "rebind":
			if len(cmd.Args) != 1 {
				cmd.ResponseCh <- "ERR usage: rebind <addr>"
				continue
			}
			addr := net.ParseIP(cmd.Args[0])
			if addr == nil {
				cmd.ResponseCh <- "ERR invalid address " + cmd.Args[0]
				continue
			}
			if err := enforcer.Rebind(ctx, addr); err != nil {
				cmd.ResponseCh <- "ERR " + err.Error()
				continue
			}
			cmd.ResponseCh <- "OK bound to " + addr.String()

		case "pause":
			if err := controller.PauseAll(ctx); err != nil {
				cmd.ResponseCh <- "ERR " + err.Error()
				continue
			}
			cmd.ResponseCh <- "OK transfers paused"

		case "resume":
			if err := controller.ResumeAll(ctx); err != nil {
				cmd.ResponseCh <- "ERR " + err.Error()
				continue
			}
			cmd.ResponseCh <- "OK transfers resumed"

		default:
			logger.Warn().Str("cmd", cmd.Cmd).Msg("Unknown command")
			cmd.ResponseCh <- "ERR unknown command " + cmd.Cmd + " (want status|rebind|pause|resume)"
		}
	}
}
