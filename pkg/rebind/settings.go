package rebind

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"
)

// Settings keys in the client's persisted configuration. The client reads
// this file only at startup, which is why every bind change goes through a
// full restart.
const (
	keyBindAddress  = "bind-address-ipv4"
	keyDownloadDir  = "download-dir"
	keyWatchDir     = "watch-dir"
	keyWatchEnabled = "watch-dir-enabled"
	keyRPCEnabled   = "rpc-enabled"
	keyRPCUsername  = "rpc-username"
	keyRPCPassword  = "rpc-password"
	keyRPCWhitelist = "rpc-whitelist"
)

// loadSettings reads the settings file into a generic map so unknown keys
// written by the client survive a rewrite.
func loadSettings(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	settings := make(map[string]interface{})
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return settings, nil
}

// saveSettings writes settings atomically (temp file plus rename) so a
// crash mid-write can never leave the client with a truncated config.
func saveSettings(path string, settings map[string]interface{}) error {
	data, err := json.MarshalIndent(settings, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write settings temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// BootstrapSettings writes an initial settings file for a fresh install.
// The RPC password is stored salted and hashed, never in the clear.
func BootstrapSettings(path string, bindAddr net.IP, downloadDir, watchDir, rpcUser, rpcPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rpcPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash rpc password: %w", err)
	}

	settings := map[string]interface{}{
		keyBindAddress:  bindAddr.String(),
		keyDownloadDir:  downloadDir,
		keyWatchDir:     watchDir,
		keyWatchEnabled: watchDir != "",
		keyRPCEnabled:   true,
		keyRPCUsername:  rpcUser,
		keyRPCPassword:  string(hash),
		keyRPCWhitelist: "127.0.0.1",
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	return saveSettings(path, settings)
}
