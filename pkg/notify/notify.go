// Package notify delivers best-effort desktop notifications on
// state-changing events. Delivery failure is never an error condition for
// the caller; the notifier logs and moves on.
package notify

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

var runCommand = func(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Notifier sends a fire-and-forget notification.
type Notifier interface {
	Notify(title, body string)
}

// ExecNotifier shells out to the host notification command
// (e.g. notify-send).
type ExecNotifier struct {
	command string
	logger  zerolog.Logger
}

// New returns an ExecNotifier, or a no-op notifier when disabled.
func New(cfg *config.NotifyConfig, logger zerolog.Logger) Notifier {
	if !cfg.Enabled || cfg.Command == "" {
		return nopNotifier{}
	}
	return &ExecNotifier{
		command: cfg.Command,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Notify runs the notification command asynchronously.
func (n *ExecNotifier) Notify(title, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runCommand(ctx, n.command, title, body); err != nil {
			n.logger.Debug().Err(err).Str("title", title).Msg("Notification delivery failed")
		}
	}()
}

type nopNotifier struct{}

func (nopNotifier) Notify(title, body string) {}
