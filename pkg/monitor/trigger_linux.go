//go:build linux
// +build linux

package monitor

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
)

// NetlinkTrigger turns kernel link and address change notifications into
// wakeups for the watcher loop, replacing tight interval polling. Bursts of
// kernel events are coalesced into a single pending wakeup.
type NetlinkTrigger struct {
	logger zerolog.Logger
}

// NewTrigger returns the platform change-event trigger.
func NewTrigger(logger zerolog.Logger) Trigger {
	return &NetlinkTrigger{logger: logger.With().Str("component", "netlink").Logger()}
}

// Start subscribes to link and address updates for the lifetime of ctx.
func (t *NetlinkTrigger) Start(ctx context.Context) (<-chan struct{}, error) {
	linkUpdates := make(chan netlink.LinkUpdate)
	if err := netlink.LinkSubscribe(linkUpdates, ctx.Done()); err != nil {
		return nil, err
	}

	addrUpdates := make(chan netlink.AddrUpdate)
	if err := netlink.AddrSubscribe(addrUpdates, ctx.Done()); err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-linkUpdates:
				if !ok {
					return
				}
			case _, ok := <-addrUpdates:
				if !ok {
					return
				}
			}
			select {
			case out <- struct{}{}:
			default:
				// A wakeup is already pending.
			}
		}
	}()

	t.logger.Info().Msg("Subscribed to interface change events")
	return out, nil
}
