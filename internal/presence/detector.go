// Package presence answers "is the device currently reachable?" from noisy,
// possibly absent heartbeat and availability signals.
package presence

import (
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"go.uber.org/zap"
)

const (
	// DefaultExpectedInterval is the fallback heartbeat cadence before the
	// device has declared or demonstrated its own.
	DefaultExpectedInterval = 30 * time.Second

	// DefaultStaleFactor declares the device offline after ~1.5 missed
	// heartbeats.
	DefaultStaleFactor = 1.5

	// DefaultHardCap bounds offline detection latency regardless of the
	// adaptive interval estimate.
	DefaultHardCap = 6500 * time.Millisecond

	// OfflineDebounce absorbs reconnection blips around an explicit
	// offline availability message (LWT).
	OfflineDebounce = 600 * time.Millisecond
)

// Sanity bounds for interval adaptation. Heartbeats outside these bounds
// still count as liveness signals; they just don't move the estimate.
const (
	minDeclaredInterval = 500 * time.Millisecond
	maxDeclaredInterval = 10 * time.Minute
	minObservedGap      = 400 * time.Millisecond
	maxObservedGap      = 10 * time.Minute

	// A new estimate replaces the current one only past both deltas, so
	// single-sample jitter can't retrigger the monitor.
	adoptAbsDelta = 200 * time.Millisecond
	adoptRelDelta = 0.12

	maxEstimateSamples = 50
)

// Monitor tick bounds: detection latency scales with the device's own
// cadence but stays within a sane band.
const (
	minMonitorTick = 2 * time.Second
	maxMonitorTick = 10 * time.Second
)

// Belief is a copy of the detector's current liveness belief.
type Belief struct {
	Online           bool
	LastSignalAt     time.Time
	ExpectedInterval time.Duration
	StaleFactor      float64
	HardCap          time.Duration
	EverSignaled     bool
}

// Detector maintains device-online belief for one process. All methods must
// be called from that process's event loop.
type Detector struct {
	sched    timers.Scheduler
	logger   *zap.Logger
	onChange func(online bool, reason string)

	online           bool
	lastSignalAt     time.Time
	expectedInterval time.Duration
	staleFactor      float64
	hardCap          time.Duration
	everSignaled     bool

	// adaptive estimate over observed heartbeat gaps
	estGap     time.Duration
	estSamples int
	prevBeatAt time.Time

	offlineDebounce timers.Task
	monitor         *timers.RearmTicker
}

// NewDetector creates a detector with the default expectation. onChange is
// invoked on every online/offline transition with a reason tag; it may be
// nil.
func NewDetector(sched timers.Scheduler, logger *zap.Logger, onChange func(online bool, reason string)) *Detector {
	d := &Detector{
		sched:            sched,
		logger:           logger,
		onChange:         onChange,
		expectedInterval: DefaultExpectedInterval,
		staleFactor:      DefaultStaleFactor,
		hardCap:          DefaultHardCap,
	}
	d.monitor = timers.NewRearmTicker(sched, d.checkStale)
	return d
}

// Start arms the staleness monitor. Idempotent.
func (d *Detector) Start() {
	d.monitor.Rearm(d.monitorInterval())
}

// Stop cancels all detector timers.
func (d *Detector) Stop() {
	d.monitor.Stop()
	d.cancelOfflineDebounce()
}

// Online returns the current belief.
func (d *Detector) Online() bool { return d.online }

// Belief returns a copy of the full belief state.
func (d *Detector) Belief() Belief {
	return Belief{
		Online:           d.online,
		LastSignalAt:     d.lastSignalAt,
		ExpectedInterval: d.expectedInterval,
		StaleFactor:      d.staleFactor,
		HardCap:          d.hardCap,
		EverSignaled:     d.everSignaled,
	}
}

// OnHeartbeat records a heartbeat. Any heartbeat is a positive liveness
// signal; a plausible declared interval is adopted directly, otherwise the
// gap feeds the adaptive estimate.
func (d *Detector) OnHeartbeat(msg *models.HeartbeatMessage) {
	now := d.sched.Now()

	if msg != nil && msg.Interval > 0 {
		if msg.Interval >= minDeclaredInterval && msg.Interval <= maxDeclaredInterval &&
			absDelta(msg.Interval, d.expectedInterval) > adoptAbsDelta {
			d.adoptInterval(msg.Interval, "declared")
		}
	} else {
		if !d.prevBeatAt.IsZero() {
			gap := now.Sub(d.prevBeatAt)
			if gap >= minObservedGap && gap <= maxObservedGap {
				if d.estSamples == 0 {
					d.estGap = gap
				} else {
					d.estGap = time.Duration(float64(d.estGap)*0.6 + float64(gap)*0.4)
				}
				if d.estSamples < maxEstimateSamples {
					d.estSamples++
				}
				if d.estSamples >= 2 {
					delta := absDelta(d.estGap, d.expectedInterval)
					if delta > adoptAbsDelta && float64(delta)/float64(d.expectedInterval) > adoptRelDelta {
						d.adoptInterval(d.estGap, "estimated")
					}
				}
			}
		}
		d.prevBeatAt = now
	}

	d.lastSignalAt = now
	d.everSignaled = true
	d.cancelOfflineDebounce()
	d.markSeen("heartbeat")
}

// OnAvailability records an explicit availability message. Online is
// applied immediately; offline is applied after a restarted debounce so
// reconnection blips don't flap the belief.
func (d *Detector) OnAvailability(online bool) {
	if online {
		d.cancelOfflineDebounce()
		d.markSeen("availability")
		return
	}
	d.cancelOfflineDebounce()
	d.offlineDebounce = d.sched.AfterFunc(OfflineDebounce, func() {
		d.offlineDebounce = nil
		d.setOffline("availability-offline")
	})
}

// OnBusDown forces the belief offline and clears transient timers; the
// device cannot be assessed without a bus.
func (d *Detector) OnBusDown() {
	d.cancelOfflineDebounce()
	d.monitor.Stop()
	d.prevBeatAt = time.Time{}
	d.setOffline("broker-offline")
}

func (d *Detector) adoptInterval(interval time.Duration, how string) {
	d.expectedInterval = interval
	d.monitor.Rearm(d.monitorInterval())
	d.logger.Debug("Adopted heartbeat interval",
		zap.Duration("interval", interval),
		zap.String("how", how),
	)
}

func (d *Detector) monitorInterval() time.Duration {
	tick := d.expectedInterval / 2
	if tick < minMonitorTick {
		tick = minMonitorTick
	}
	if tick > maxMonitorTick {
		tick = maxMonitorTick
	}
	return tick
}

// checkStale is the recurring monitor tick. It never evaluates staleness
// before the first heartbeat has been seen: a device that doesn't publish
// heartbeats is governed solely by availability messages.
func (d *Detector) checkStale() {
	if !d.online || !d.everSignaled || d.lastSignalAt.IsZero() {
		return
	}
	age := d.sched.Now().Sub(d.lastSignalAt)
	bound := time.Duration(float64(d.expectedInterval) * d.staleFactor)
	if bound > d.hardCap {
		bound = d.hardCap
	}
	if age > bound {
		d.setOffline("heartbeat-timeout")
	}
}

func (d *Detector) markSeen(reason string) {
	if d.online {
		return
	}
	d.online = true
	d.logger.Info("Device online", zap.String("reason", reason))
	if d.onChange != nil {
		d.onChange(true, reason)
	}
}

func (d *Detector) setOffline(reason string) {
	if !d.online {
		return
	}
	d.online = false
	d.logger.Info("Device offline", zap.String("reason", reason))
	if d.onChange != nil {
		d.onChange(false, reason)
	}
}

func (d *Detector) cancelOfflineDebounce() {
	if d.offlineDebounce != nil {
		d.offlineDebounce.Cancel()
		d.offlineDebounce = nil
	}
}

func absDelta(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}
