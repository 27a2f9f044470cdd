// Package angle publishes window-angle edits from an interactive control,
// throttling the transient stream and guaranteeing a single final value.
package angle

import (
	"encoding/json"
	"math"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"go.uber.org/zap"
)

const (
	// PublishThrottle caps the transient publish rate during a drag.
	PublishThrottle = 60 * time.Millisecond

	// TrailingDelay pads the trailing publish past the throttle window so
	// the last dragged value is never lost.
	TrailingDelay = 20 * time.Millisecond
)

// Publisher emits angle edits on the window topic. All methods must be
// called from the owning event loop.
type Publisher struct {
	sched   timers.Scheduler
	logger  *zap.Logger
	guard   *guard.Guard
	publish func(payload []byte)
	// maxAngle supplies the current cap at publish time.
	maxAngle func() float64

	lastSentAt time.Time
	lastSent   float64
	hasSent    bool

	pendingValue float64
	hasPending   bool
	trailing     timers.Task
	active       bool
}

// NewPublisher creates an angle publisher. publish sends on the window
// topic; maxAngle returns the current cap.
func NewPublisher(sched timers.Scheduler, logger *zap.Logger, g *guard.Guard, maxAngle func() float64, publish func(payload []byte)) *Publisher {
	return &Publisher{
		sched:    sched,
		logger:   logger,
		guard:    g,
		publish:  publish,
		maxAngle: maxAngle,
	}
}

// Drag records a new in-progress value. At most one transient goes out per
// throttle window; a value arriving inside the window is held and flushed
// by a trailing publish just after the window closes.
func (p *Publisher) Drag(value float64) {
	p.active = true
	v := p.displayed(value)
	now := p.sched.Now()
	if !p.hasSent || now.Sub(p.lastSentAt) >= PublishThrottle {
		p.cancelTrailing()
		p.hasPending = false
		p.send(v, false, now)
		return
	}
	p.pendingValue = v
	p.hasPending = true
	// the guard keeps tracking the newest local value even when the
	// throttle skips the publish
	p.guard.ExtendGuard(models.FieldAngle, v, guard.DefaultGuardTTL)
	if p.trailing == nil {
		wait := PublishThrottle - now.Sub(p.lastSentAt) + TrailingDelay
		p.trailing = p.sched.AfterFunc(wait, p.fireTrailing)
	}
}

// Release ends the drag. Exactly one final goes out, carrying the last
// displayed value; any pending transient is dropped in its favor.
func (p *Publisher) Release(value float64) {
	p.active = false
	p.cancelTrailing()
	p.hasPending = false
	p.send(p.displayed(value), true, p.sched.Now())
}

// Last returns the most recently published value.
func (p *Publisher) Last() (float64, bool) { return p.lastSent, p.hasSent }

// Active reports whether a drag gesture is in progress.
func (p *Publisher) Active() bool { return p.active }

func (p *Publisher) fireTrailing() {
	p.trailing = nil
	if !p.hasPending {
		return
	}
	p.hasPending = false
	p.send(p.pendingValue, false, p.sched.Now())
}

func (p *Publisher) send(v float64, final bool, now time.Time) {
	if final {
		p.guard.BeginIntentWindows(models.FieldAngle, v, guard.DefaultSuppressTTL, guard.FinalAngleGuardTTL)
	} else {
		p.guard.BeginIntent(models.FieldAngle, v)
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"angle":  v,
		"final":  final,
		"source": models.SourceDashboard,
	})
	p.publish(payload)
	p.lastSentAt = now
	p.lastSent = v
	p.hasSent = true
	p.logger.Debug("Published angle", zap.Float64("angle", v), zap.Bool("final", final))
}

// displayed rounds and clamps the raw value to what the control shows.
func (p *Publisher) displayed(value float64) float64 {
	v := math.Round(value)
	max := p.maxAngle()
	if max <= 0 {
		max = models.DefaultSettings().MaxAngle
	}
	if v < 0 {
		v = 0
	}
	if v > max {
		v = max
	}
	return v
}

func (p *Publisher) cancelTrailing() {
	if p.trailing != nil {
		p.trailing.Cancel()
		p.trailing = nil
	}
}
