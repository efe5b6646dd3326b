// Package monitor watches for tunnel presence and reconciles the download
// client's bind address and pause state against it. The state machine only
// steers the client; packet-level containment is the firewall's job, so no
// failure in here is ever allowed to kill the watcher process.
package monitor

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TunnelState is a fresh observation of the active tunnel. It is recomputed
// on every poll and never persisted: a restarted watcher re-derives truth
// from the live interface list instead of trusting stale state.
type TunnelState struct {
	Interface  string
	Addr       net.IP
	ObservedAt time.Time
}

// Provider enumerates candidate tunnel interfaces. A nil TunnelState with a
// nil error means "tunnel not found".
type Provider interface {
	Current() (*TunnelState, error)
}

// interfaceLister and interfaceAddrs are swappable for tests.
var (
	interfaceLister = net.Interfaces
	interfaceAddrs  = func(iface *net.Interface) ([]net.Addr, error) { return iface.Addrs() }
)

// InterfaceProvider scans the host interface list for the first tunnel
// candidate carrying a usable address.
type InterfaceProvider struct {
	prefixes []string
	logger   zerolog.Logger
}

// NewInterfaceProvider creates a provider matching the given interface name
// prefixes.
func NewInterfaceProvider(prefixes []string, logger zerolog.Logger) *InterfaceProvider {
	return &InterfaceProvider{
		prefixes: prefixes,
		logger:   logger.With().Str("component", "netwatch").Logger(),
	}
}

// Current returns the first tunnel interface with a non-loopback IPv4
// address. Interfaces are scanned in lexicographic name order so the
// tie-break between multiple tunnels is deterministic.
func (p *InterfaceProvider) Current() (*TunnelState, error) {
	ifaces, err := interfaceLister()
	if err != nil {
		return nil, err
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !p.matches(iface.Name) {
			continue
		}

		addrs, err := interfaceAddrs(&iface)
		if err != nil {
			p.logger.Debug().Err(err).Str("iface", iface.Name).Msg("Failed to list addresses")
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return &TunnelState{
				Interface:  iface.Name,
				Addr:       ip,
				ObservedAt: time.Now(),
			}, nil
		}
	}
	return nil, nil
}

func (p *InterfaceProvider) matches(name string) bool {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
