// Package prober decides whether the MQTT-to-Postgres bridge is alive, from
// the viewer's side of the bus, and drives the offline-warning visibility.
package prober

import (
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// FastPingInterval is the rapid probe cadence right after connecting.
	FastPingInterval = 100 * time.Millisecond

	// FastPingBurst is how many fast probes go out before backing off
	// (~1s of rapid probing).
	FastPingBurst = 10

	// SlowPingInterval is the probe cadence after the fast burst.
	SlowPingInterval = 1500 * time.Millisecond

	// StartupFallback shows the warning quickly when no healthy signal has
	// arrived after connecting.
	StartupFallback = 750 * time.Millisecond

	// RetainedStatusGrace is how long to wait for the retained status
	// message before assuming the bridge is offline.
	RetainedStatusGrace = 5 * time.Second
)

// State is the current bridge-liveness belief.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Hooks are the prober's outputs. All hooks fire on the caller's event loop.
type Hooks struct {
	// PublishPing sends a ping with the given probe id.
	PublishPing func(id string)
	// OnVisible is called when the offline warning should appear or go
	// away.
	OnVisible func(visible bool)
	// OnOnline is called on an offline/unknown -> online transition.
	OnOnline func()
}

// Prober tracks bridge liveness for one viewer process. All methods must be
// called from that process's event loop.
type Prober struct {
	sched  timers.Scheduler
	logger *zap.Logger
	hooks  Hooks

	state     State
	dismissed bool
	wasOnline bool
	// healthy latches on the first healthy signal after connect
	// (status online, pong, or a successful store round trip); probing
	// stops once it does.
	healthy bool
	visible bool

	pingAttempts int
	pingTask     timers.Task
	graceTask    timers.Task
	fallbackTask timers.Task
}

// New creates an idle prober; probing starts on OnBusConnect.
func New(sched timers.Scheduler, logger *zap.Logger, hooks Hooks) *Prober {
	return &Prober{sched: sched, logger: logger, hooks: hooks, state: StateUnknown}
}

// State returns the current belief.
func (p *Prober) State() State { return p.state }

// Visible reports whether the offline warning is currently shown.
func (p *Prober) Visible() bool { return p.visible }

// OnBusConnect starts a fresh probe cycle. Belief resets to unknown rather
// than offline: only an explicit signal or a timeout may claim the bridge is
// down.
func (p *Prober) OnBusConnect() {
	p.cancelTimers()
	p.state = StateUnknown
	p.dismissed = false
	p.healthy = false
	p.pingAttempts = 0

	p.graceTask = p.sched.AfterFunc(RetainedStatusGrace, func() {
		p.graceTask = nil
		if p.state == StateUnknown {
			p.logger.Debug("No retained bridge status; assuming offline")
			p.markOffline()
		}
	})
	p.fallbackTask = p.sched.AfterFunc(StartupFallback, func() {
		p.fallbackTask = nil
		if !p.healthy {
			p.setVisible(true)
		}
	})
	p.sendPing()
}

// OnBusDown stops probing and hides the warning: without a broker the
// bridge cannot be assessed, and the broker outage is the louder problem.
func (p *Prober) OnBusDown() {
	p.cancelTimers()
	p.state = StateUnknown
	p.setVisible(false)
}

// OnStatus applies an explicit bridge status message (retained or live).
func (p *Prober) OnStatus(online bool) {
	if p.graceTask != nil {
		p.graceTask.Cancel()
		p.graceTask = nil
	}
	if online {
		p.markOnline("status")
		return
	}
	p.cancelFallback()
	p.state = StateOffline
	p.wasOnline = false
	p.setVisible(true)
}

// OnPong applies a probe reply. Any pong proves the bridge is processing
// messages; probe ids are not correlated.
func (p *Prober) OnPong() {
	p.markOnline("pong")
}

// NoteStoreSuccess records a successful store round trip. It clears the
// warning and re-arms dismissal, but does not by itself flip the belief to
// online; that stays with the bridge's own signals.
func (p *Prober) NoteStoreSuccess() {
	p.healthy = true
	p.dismissed = false
	p.setVisible(false)
}

// NoteStoreFailure records a failed store round trip. Only network-shaped
// failures imply the bridge path is down; schema or permission errors must
// not raise the warning.
func (p *Prober) NoteStoreFailure(network bool) {
	if network {
		p.setVisible(true)
	}
}

// Dismiss hides the warning until the next offline episode. Dismissal is
// reset whenever the bridge comes back online.
func (p *Prober) Dismiss() {
	p.dismissed = true
	p.setVisible(false)
}

func (p *Prober) markOnline(reason string) {
	p.healthy = true
	p.dismissed = false
	p.cancelPing()
	p.cancelFallback()
	first := !p.wasOnline
	p.state = StateOnline
	p.wasOnline = true
	p.setVisible(false)
	if first {
		p.logger.Info("Bridge online", zap.String("reason", reason))
		if p.hooks.OnOnline != nil {
			p.hooks.OnOnline()
		}
	}
}

func (p *Prober) markOffline() {
	p.state = StateOffline
	p.wasOnline = false
	p.setVisible(true)
}

// sendPing emits one probe and chains the next one, fast during the initial
// burst and slow afterwards. The chain breaks itself once a healthy signal
// has latched.
func (p *Prober) sendPing() {
	if p.healthy || p.state == StateOnline {
		p.pingTask = nil
		return
	}
	if p.hooks.PublishPing != nil {
		p.hooks.PublishPing(uuid.NewString())
	}
	p.pingAttempts++
	delay := FastPingInterval
	if p.pingAttempts >= FastPingBurst {
		delay = SlowPingInterval
	}
	p.pingTask = p.sched.AfterFunc(delay, p.sendPing)
}

func (p *Prober) setVisible(visible bool) {
	if visible && p.dismissed {
		return
	}
	if visible == p.visible {
		return
	}
	p.visible = visible
	if p.hooks.OnVisible != nil {
		p.hooks.OnVisible(visible)
	}
}

func (p *Prober) cancelTimers() {
	p.cancelPing()
	p.cancelFallback()
	if p.graceTask != nil {
		p.graceTask.Cancel()
		p.graceTask = nil
	}
}

func (p *Prober) cancelPing() {
	if p.pingTask != nil {
		p.pingTask.Cancel()
		p.pingTask = nil
	}
}

func (p *Prober) cancelFallback() {
	if p.fallbackTask != nil {
		p.fallbackTask.Cancel()
		p.fallbackTask = nil
	}
}
