package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
	"vpnguard-go/pkg/securestore"
)

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Dir           string `yaml:"dir" envconfig:"DIR"`
	Level         string `yaml:"level" envconfig:"LEVEL"`
	MaxSizeKB     int64  `yaml:"max_size_kb" envconfig:"MAX_SIZE_KB"`
	RotatedSuffix string `yaml:"rotated_suffix" envconfig:"ROTATED_SUFFIX"`
}

// MonitorConfig holds the tunnel watcher settings. The timeouts here are
// empirical constants in deployments, so all of them are operator-tunable.
type MonitorConfig struct {
	// TunnelInterfaces are the interface name prefixes considered tunnel
	// candidates (e.g. "tun", "wg", "utun"). Candidates are enumerated in
	// lexicographic order, so the first match is deterministic.
	TunnelInterfaces []string      `yaml:"tunnel_interfaces" envconfig:"TUNNEL_INTERFACES"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	// KeepaliveInterval is the coarse re-check cadence used when the
	// event-driven trigger is active.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" envconfig:"KEEPALIVE_INTERVAL"`
	// RebindCooldown is how long the watcher sits out after a successful
	// rebind before resuming normal cadence, so an unstable tunnel address
	// cannot thrash the client with restarts.
	RebindCooldown time.Duration `yaml:"rebind_cooldown" envconfig:"REBIND_COOLDOWN"`
	// LoopbackAddr is the fail-safe bind target while the tunnel is down.
	LoopbackAddrStr string `yaml:"loopback_addr" envconfig:"LOOPBACK_ADDR"`
	LoopbackAddr    net.IP `yaml:"-"`
}

// ClientConfig describes the supervised download client: its control API,
// its persisted settings file, and how to stop/start it.
type ClientConfig struct {
	RPCURL         string              `yaml:"rpc_url" envconfig:"RPC_URL"`
	RPCUsername    string              `yaml:"rpc_username" envconfig:"RPC_USERNAME"`
	RPCPasswordStr string              `yaml:"rpc_password" envconfig:"RPC_PASSWORD"`
	RPCPassword    *securestore.Secret `yaml:"-"`
	RPCTimeout     time.Duration       `yaml:"rpc_timeout" envconfig:"RPC_TIMEOUT"`

	SettingsFile string `yaml:"settings_file" envconfig:"SETTINGS_FILE"`

	// StopCommand / StartCommand / StatusCommand drive the host service
	// manager. The client does not support live rebinding, so a bind change
	// is always settings-write plus full restart.
	StopCommand   []string `yaml:"stop_command"`
	StartCommand  []string `yaml:"start_command"`
	StatusCommand []string `yaml:"status_command"`
	// KillCommand is the escalation used when a graceful stop exceeds its
	// bounded wait.
	KillCommand []string `yaml:"kill_command"`

	GracefulStopTimeout time.Duration `yaml:"graceful_stop_timeout" envconfig:"GRACEFUL_STOP_TIMEOUT"`
	StartupTimeout      time.Duration `yaml:"startup_timeout" envconfig:"STARTUP_TIMEOUT"`
}

// FirewallConfig holds the kill-switch settings.
type FirewallConfig struct {
	// TunnelIfPattern is the iptables interface wildcard the daemon identity
	// is allowed to send through (e.g. "tun+").
	TunnelIfPattern string `yaml:"tunnel_if_pattern" envconfig:"TUNNEL_IF_PATTERN"`
	// ControlPorts are local control-plane TCP ports the daemon identity may
	// reach in addition to loopback (RPC, metrics).
	ControlPorts []int  `yaml:"control_ports" envconfig:"CONTROL_PORTS"`
	RulesetFile  string `yaml:"ruleset_file" envconfig:"RULESET_FILE"`
}

// BootConfig holds the privileged supervisor settings.
type BootConfig struct {
	MountPoint        string        `yaml:"mount_point" envconfig:"MOUNT_POINT"`
	ShareURL          string        `yaml:"share_url" envconfig:"SHARE_URL"`
	MountTimeout      time.Duration `yaml:"mount_timeout" envconfig:"MOUNT_TIMEOUT"`
	MountPollInterval time.Duration `yaml:"mount_poll_interval" envconfig:"MOUNT_POLL_INTERVAL"`
	// Credential store lookup key for the network share password.
	CredService string `yaml:"cred_service" envconfig:"CRED_SERVICE"`
	CredAccount string `yaml:"cred_account" envconfig:"CRED_ACCOUNT"`
	// ClientCommand is the client binary plus arguments, run under the
	// daemon identity and restarted on exit.
	ClientCommand      []string      `yaml:"client_command"`
	RestartMinInterval time.Duration `yaml:"restart_min_interval" envconfig:"RESTART_MIN_INTERVAL"`
	// ConsentHelper is an opaque best-effort helper launched before the
	// mount stage to dismiss the one-time tunnel activation prompt.
	ConsentHelper []string `yaml:"consent_helper"`
}

// IdentityConfig describes the dedicated non-interactive account the client
// runs as.
type IdentityConfig struct {
	Username      string `yaml:"username" envconfig:"USERNAME"`
	UIDRangeStart int    `yaml:"uid_range_start" envconfig:"UID_RANGE_START"`
	UIDRangeEnd   int    `yaml:"uid_range_end" envconfig:"UID_RANGE_END"`
	HomeDir       string `yaml:"home_dir" envconfig:"HOME_DIR"`
	// WatchDir is the one interactive-account directory the identity gets a
	// narrow read grant into (the torrent drop folder).
	WatchDir string `yaml:"watch_dir" envconfig:"WATCH_DIR"`
}

// MetricsConfig holds the configuration for the metrics system.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Listen  string `yaml:"listen" envconfig:"LISTEN"`
}

// NotifyConfig holds the desktop notification settings.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Command string `yaml:"command" envconfig:"COMMAND"`
}

// ScriptConfig holds the optional operator hooks run on transitions.
type ScriptConfig struct {
	TunnelUp   string `yaml:"tunnel_up" envconfig:"TUNNEL_UP"`
	TunnelDown string `yaml:"tunnel_down" envconfig:"TUNNEL_DOWN"`
}

// Config holds the application configuration.
type Config struct {
	Foreground bool   `yaml:"foreground" envconfig:"FOREGROUND"`
	PIDFile    string `yaml:"pidfile" envconfig:"PIDFILE"`
	CmdSocket  string `yaml:"cmdsocket" envconfig:"CMDSOCKET"`

	Logging  LoggingConfig  `yaml:"logging"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Client   ClientConfig   `yaml:"client"`
	Firewall FirewallConfig `yaml:"firewall"`
	Boot     BootConfig     `yaml:"boot"`
	Identity IdentityConfig `yaml:"identity"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Notify   NotifyConfig   `yaml:"notify"`
	Scripts  ScriptConfig   `yaml:"scripts"`
}

// Load loads the configuration from a YAML file, and then overrides with
// environment variables. The prefix for env vars is "VPNGUARD", so e.g.
// Monitor.PollInterval can be set with VPNGUARD_MONITOR_POLL_INTERVAL.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		// Missing file is tolerated; config may come entirely from env vars.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}

	if err := envconfig.Process("vpnguard", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Promote secrets into locked buffers and clear the plaintext copies.
	if cfg.Client.RPCPasswordStr != "" {
		secret, err := securestore.NewSecret(cfg.Client.RPCPasswordStr)
		if err != nil {
			return nil, fmt.Errorf("failed to secure rpc password: %w", err)
		}
		cfg.Client.RPCPassword = secret
		cfg.Client.RPCPasswordStr = ""
	}

	applyDefaults(&cfg)

	ip := net.ParseIP(cfg.Monitor.LoopbackAddrStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid 'loopback_addr' value %q", cfg.Monitor.LoopbackAddrStr)
	}
	cfg.Monitor.LoopbackAddr = ip

	if cfg.Identity.UIDRangeStart > cfg.Identity.UIDRangeEnd {
		return nil, fmt.Errorf("identity uid range start %d exceeds end %d",
			cfg.Identity.UIDRangeStart, cfg.Identity.UIDRangeEnd)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Monitor.TunnelInterfaces) == 0 {
		cfg.Monitor.TunnelInterfaces = []string{"tun", "wg", "utun"}
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 15 * time.Second
	}
	if cfg.Monitor.KeepaliveInterval == 0 {
		cfg.Monitor.KeepaliveInterval = time.Minute
	}
	if cfg.Monitor.RebindCooldown == 0 {
		cfg.Monitor.RebindCooldown = 10 * time.Second
	}
	if cfg.Monitor.LoopbackAddrStr == "" {
		cfg.Monitor.LoopbackAddrStr = "127.0.0.1"
	}
	if cfg.Client.RPCURL == "" {
		cfg.Client.RPCURL = "http://127.0.0.1:9091/transmission/rpc"
	}
	if cfg.Client.RPCTimeout == 0 {
		cfg.Client.RPCTimeout = 10 * time.Second
	}
	if cfg.Client.GracefulStopTimeout == 0 {
		cfg.Client.GracefulStopTimeout = 20 * time.Second
	}
	if cfg.Client.StartupTimeout == 0 {
		cfg.Client.StartupTimeout = 15 * time.Second
	}
	if cfg.Firewall.TunnelIfPattern == "" {
		cfg.Firewall.TunnelIfPattern = "tun+"
	}
	if cfg.Boot.MountTimeout == 0 {
		cfg.Boot.MountTimeout = 2 * time.Minute
	}
	if cfg.Boot.MountPollInterval == 0 {
		cfg.Boot.MountPollInterval = 5 * time.Second
	}
	if cfg.Boot.RestartMinInterval == 0 {
		cfg.Boot.RestartMinInterval = 30 * time.Second
	}
	if cfg.Identity.Username == "" {
		cfg.Identity.Username = "vpnguard-client"
	}
	if cfg.Identity.UIDRangeStart == 0 {
		cfg.Identity.UIDRangeStart = 500
	}
	if cfg.Identity.UIDRangeEnd == 0 {
		cfg.Identity.UIDRangeEnd = 999
	}
	if cfg.Logging.MaxSizeKB == 0 {
		cfg.Logging.MaxSizeKB = 1024
	}
	if cfg.Logging.RotatedSuffix == "" {
		cfg.Logging.RotatedSuffix = ".old"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
