// Package creds is the boundary to the host credential store. Secrets cross
// it exactly once, at lookup time, and land straight in locked memory.
package creds

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/securestore"
)

// Store looks up secrets by service and account.
type Store interface {
	Lookup(ctx context.Context, service, account string) (*securestore.Secret, error)
}

// lookupCommand is swappable for tests.
var lookupCommand = func(ctx context.Context, service, account string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "secret-tool", "lookup", "service", service, "account", account)
	return cmd.Output()
}

const lookupTimeout = 10 * time.Second

// ExecStore shells out to the host secret tool. The password never touches a
// file or an environment variable on the way in.
type ExecStore struct {
	logger zerolog.Logger
}

// NewExecStore creates the exec-based credential store.
func NewExecStore(logger zerolog.Logger) *ExecStore {
	return &ExecStore{logger: logger.With().Str("component", "creds").Logger()}
}

// Lookup fetches one secret. A missing entry is an error: callers in the
// boot path treat it as fatal rather than proceeding without the credential.
func (s *ExecStore) Lookup(ctx context.Context, service, account string) (*securestore.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	out, err := lookupCommand(ctx, service, account)
	if err != nil {
		return nil, fmt.Errorf("credential lookup for service %q account %q failed: %w", service, account, err)
	}

	out = bytes.TrimRight(out, "\n")
	if len(out) == 0 {
		return nil, fmt.Errorf("credential store returned an empty secret for service %q account %q", service, account)
	}

	s.logger.Debug().Str("service", service).Str("account", account).Msg("Credential fetched")
	return securestore.NewSecretFromBytes(out)
}
