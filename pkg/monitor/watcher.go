package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

// Trigger delivers wakeups on interface change events.
type Trigger interface {
	Start(ctx context.Context) (<-chan struct{}, error)
}

// Watcher runs the observation loop: change events (when available) plus a
// coarse keepalive timer, or plain interval polling otherwise. The loop is
// single-threaded by construction, which serializes rebinds.
type Watcher struct {
	cfg        *config.MonitorConfig
	provider   Provider
	reconciler *Reconciler
	trigger    Trigger
	logger     zerolog.Logger
}

// NewWatcher assembles the watcher loop.
func NewWatcher(cfg *config.MonitorConfig, provider Provider, reconciler *Reconciler, trigger Trigger, logger zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:        cfg,
		provider:   provider,
		reconciler: reconciler,
		trigger:    trigger,
		logger:     logger.With().Str("component", "watcher").Logger(),
	}
}

// Run blocks until ctx is cancelled. Cancellation is honored at loop
// boundaries only: an in-flight rebind runs to completion (or its own
// bounded timeout) rather than being aborted mid-operation.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.cfg.PollInterval
	var events <-chan struct{}
	if w.trigger != nil {
		ch, err := w.trigger.Start(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Dur("interval", interval).Msg("Change events unavailable, falling back to polling")
		} else {
			events = ch
			interval = w.cfg.KeepaliveInterval
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Bool("events", events != nil).Msg("Watcher loop started")

	// Immediate first observation so a cold start fails safe without
	// waiting a full interval.
	w.observe(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher loop stopped")
			return nil
		case <-ticker.C:
		case <-events:
		}

		if rebound := w.observe(ctx); rebound {
			// Cool-down after a rebind so an unstable tunnel address cannot
			// thrash the client with restarts.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RebindCooldown):
			}
		}
	}
}

func (w *Watcher) observe(ctx context.Context) bool {
	ts, err := w.provider.Current()
	if err != nil {
		// Enumeration failure is transient; the next cycle retries.
		w.logger.Error().Err(err).Msg("Interface enumeration failed")
		return false
	}
	return w.reconciler.Observe(ctx, ts)
}
