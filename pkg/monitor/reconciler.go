package monitor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/metrics"
	"vpnguard-go/pkg/notify"
)

// Phase is the reconciler's view of the tunnel.
type Phase string

const (
	PhaseInit Phase = "init"
	PhaseUp   Phase = "up"
	PhaseDown Phase = "down"
)

// Rebinder rewrites the client's bind address and restarts it.
type Rebinder interface {
	Rebind(ctx context.Context, addr net.IP) error
}

// TransferController pauses and resumes all transfers.
type TransferController interface {
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
}

// TransitionHooks run operator scripts on transitions. May be nil.
type TransitionHooks interface {
	TunnelUp(iface string, addr net.IP)
	TunnelDown()
}

// Status is a snapshot of the reconciler for the status endpoint and the
// control socket.
type Status struct {
	Phase      Phase     `json:"phase"`
	BoundAddr  string    `json:"bound_addr"`
	Interface  string    `json:"interface,omitempty"`
	PauseOwned bool      `json:"pause_owned"`
	LastChange time.Time `json:"last_change,omitempty"`
}

// Reconciler drives the tunnel state machine. It is only ever called from
// the watcher's single-threaded loop, so at most one rebind is in flight;
// the mutex exists solely so Status can be read from other goroutines.
type Reconciler struct {
	mu         sync.Mutex
	phase      Phase
	boundAddr  net.IP
	iface      string
	pauseOwned bool
	lastChange time.Time

	loopback net.IP
	rb       Rebinder
	tc       TransferController
	hooks    TransitionHooks
	notifier notify.Notifier
	rec      metrics.Recorder
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler in the Init phase.
func NewReconciler(loopback net.IP, rb Rebinder, tc TransferController, hooks TransitionHooks, notifier notify.Notifier, rec metrics.Recorder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		phase:    PhaseInit,
		loopback: loopback,
		rb:       rb,
		tc:       tc,
		hooks:    hooks,
		notifier: notifier,
		rec:      rec,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Status returns a snapshot of the current state.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Phase:      r.phase,
		Interface:  r.iface,
		PauseOwned: r.pauseOwned,
		LastChange: r.lastChange,
	}
	if r.boundAddr != nil {
		s.BoundAddr = r.boundAddr.String()
	}
	return s
}

// Observe feeds one tunnel observation (nil = not found) into the state
// machine and returns true when a rebind was performed, so the watcher can
// apply its cool-down.
func (r *Reconciler) Observe(ctx context.Context, ts *TunnelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.phase {
	case PhaseInit:
		if ts != nil {
			return r.toUpFromInit(ctx, ts)
		}
		return r.toDown(ctx, true)

	case PhaseUp:
		if ts == nil {
			return r.toDown(ctx, false)
		}
		if ts.Addr.Equal(r.boundAddr) {
			// Unchanged observation: no rebind, no control calls.
			return false
		}
		return r.driftRebind(ctx, ts)

	case PhaseDown:
		if ts == nil {
			return false
		}
		return r.toUp(ctx, ts)
	}
	return false
}

// toUpFromInit is the startup fast-path: the tunnel is already present, so
// bind to it without touching transfer state.
func (r *Reconciler) toUpFromInit(ctx context.Context, ts *TunnelState) bool {
	r.logger.Info().Str("iface", ts.Interface).Str("addr", ts.Addr.String()).Msg("Tunnel present at startup")
	r.rebind(ctx, ts.Addr)
	r.transition(PhaseUp, ts)
	return true
}

// toDown handles both entries into Down, the fail-safe default at startup
// and a lost tunnel. Pause first, then retreat the bind to loopback: even if the pause
// call fails, the loopback bind plus the firewall keep peers unreachable.
func (r *Reconciler) toDown(ctx context.Context, fromInit bool) bool {
	if fromInit {
		r.logger.Warn().Msg("No tunnel at startup, failing safe")
	} else {
		r.logger.Warn().Str("iface", r.iface).Msg("Tunnel lost")
	}

	if err := r.tc.PauseAll(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Pause-all failed")
		r.rec.IncCounter("control_calls_total", metrics.Labels{"call": "pause", "result": "error"})
	} else {
		r.rec.IncCounter("control_calls_total", metrics.Labels{"call": "pause", "result": "ok"})
	}
	r.pauseOwned = true

	r.rebind(ctx, r.loopback)
	r.transition(PhaseDown, nil)

	if !fromInit {
		r.notifier.Notify("VPN tunnel lost", "Transfers paused, client bound to loopback")
		if r.hooks != nil {
			r.hooks.TunnelDown()
		}
	}
	return true
}

// toUp handles Down to Up: rebind to the tunnel first, then resume, and only
// resume if this monitor initiated the pause.
func (r *Reconciler) toUp(ctx context.Context, ts *TunnelState) bool {
	r.logger.Info().Str("iface", ts.Interface).Str("addr", ts.Addr.String()).Msg("Tunnel restored")
	r.rebind(ctx, ts.Addr)

	if r.pauseOwned {
		if err := r.tc.ResumeAll(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Resume-all failed")
			r.rec.IncCounter("control_calls_total", metrics.Labels{"call": "resume", "result": "error"})
		} else {
			r.rec.IncCounter("control_calls_total", metrics.Labels{"call": "resume", "result": "ok"})
		}
		r.pauseOwned = false
	} else {
		r.logger.Info().Msg("Pause not monitor-owned, leaving transfers as they are")
	}

	r.transition(PhaseUp, ts)
	r.notifier.Notify("VPN tunnel restored", "Client bound to "+ts.Addr.String())
	if r.hooks != nil {
		r.hooks.TunnelUp(ts.Interface, ts.Addr)
	}
	return true
}

// driftRebind handles a changed address while Up: rebind only, transfers
// keep running.
func (r *Reconciler) driftRebind(ctx context.Context, ts *TunnelState) bool {
	r.logger.Info().
		Str("old", r.boundAddr.String()).
		Str("new", ts.Addr.String()).
		Msg("Tunnel address drifted, rebinding")
	r.rebind(ctx, ts.Addr)
	r.transition(PhaseUp, ts)
	return true
}

// rebind calls the enforcer with one retry. Failure is logged and absorbed:
// traffic containment is never delegated solely to this component.
func (r *Reconciler) rebind(ctx context.Context, addr net.IP) {
	start := time.Now()
	err := r.rb.Rebind(ctx, addr)
	if err != nil {
		r.logger.Warn().Err(err).Str("addr", addr.String()).Msg("Rebind failed, retrying once")
		err = r.rb.Rebind(ctx, addr)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("addr", addr.String()).Msg("Rebind failed after retry, relying on firewall backstop")
		r.rec.IncCounter("rebinds_total", metrics.Labels{"result": "error"})
	} else {
		r.rec.IncCounter("rebinds_total", metrics.Labels{"result": "ok"})
	}
	r.rec.ObserveHistogram("rebind_duration_seconds", nil, time.Since(start).Seconds())
	r.boundAddr = addr
}

func (r *Reconciler) transition(to Phase, ts *TunnelState) {
	from := r.phase
	r.phase = to
	r.lastChange = time.Now()
	if ts != nil {
		r.iface = ts.Interface
	} else {
		r.iface = ""
	}

	r.rec.IncCounter("transitions_total", metrics.Labels{"from": string(from), "to": string(to)})
	up := 0.0
	if to == PhaseUp {
		up = 1.0
	}
	r.rec.SetGauge("tunnel_up", nil, up)
}
