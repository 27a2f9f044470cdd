// Package guard implements the per-field echo-suppression windows a viewer
// opens around its own published intents.
//
// Two windows with independent lifetimes resolve the race between a local
// edit and inbound traffic: the suppress window recognizes this viewer's
// own value echoing back (a no-op confirmation, not a change), while the
// shorter guard window rejects any mismatching foreign value that would
// otherwise clobber the in-flight local edit.
package guard

import (
	"math"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/models"
)

// Window lifetimes. The guard is deliberately shorter than the suppress:
// local authority over a field fades before echo recognition does.
const (
	DefaultSuppressTTL = 800 * time.Millisecond
	DefaultGuardTTL    = 600 * time.Millisecond
	FinalAngleGuardTTL = 700 * time.Millisecond
)

// AngleTolerance is the match tolerance for the continuous angle field,
// covering rounding between float and displayed integer degrees.
const AngleTolerance = 1.0

type window struct {
	value interface{}
	until time.Time
}

// Guard owns the suppress and guard window tables for one viewer process.
// It is driven entirely from that process's event loop.
type Guard struct {
	now      func() time.Time
	suppress map[string]window
	guards   map[string]window
}

// New creates an empty guard using now as its clock.
func New(now func() time.Time) *Guard {
	return &Guard{
		now:      now,
		suppress: make(map[string]window),
		guards:   make(map[string]window),
	}
}

// BeginIntent opens the default suppress and guard windows for key around a
// locally intended value. Call immediately before publishing the intent.
func (g *Guard) BeginIntent(key string, value interface{}) {
	g.BeginIntentWindows(key, value, DefaultSuppressTTL, DefaultGuardTTL)
}

// BeginIntentWindows opens both windows with explicit lifetimes.
func (g *Guard) BeginIntentWindows(key string, value interface{}, suppressTTL, guardTTL time.Duration) {
	now := g.now()
	g.suppress[key] = window{value: value, until: now.Add(suppressTTL)}
	g.guards[key] = window{value: value, until: now.Add(guardTTL)}
}

// ExtendGuard refreshes only the guard window for key, keeping any existing
// suppress window untouched. Used by controls that adjust rapidly without
// republishing every step.
func (g *Guard) ExtendGuard(key string, value interface{}, ttl time.Duration) {
	g.guards[key] = window{value: value, until: g.now().Add(ttl)}
}

// ShouldSuppressEcho reports whether incoming is this viewer's own recent
// value echoing back: an unexpired suppress window for key whose value
// matches within tolerance.
func (g *Guard) ShouldSuppressEcho(key string, incoming interface{}) bool {
	w, ok := g.suppress[key]
	if !ok || !g.now().Before(w.until) {
		return false
	}
	return matches(key, w.value, incoming)
}

// IsGuardedMismatch reports whether incoming conflicts with an in-flight
// local edit: an unexpired guard window for key whose value does NOT match.
// Callers must discard such updates entirely.
func (g *Guard) IsGuardedMismatch(key string, incoming interface{}) bool {
	w, ok := g.guards[key]
	if !ok || !g.now().Before(w.until) {
		return false
	}
	return !matches(key, w.value, incoming)
}

// ClearGuardIfMatch expires the guard window for key immediately when
// incoming matches it, instead of waiting for natural expiry.
func (g *Guard) ClearGuardIfMatch(key string, incoming interface{}) {
	w, ok := g.guards[key]
	if !ok {
		return
	}
	if matches(key, w.value, incoming) {
		delete(g.guards, key)
	}
}

// Reset drops all windows (bus reconnect).
func (g *Guard) Reset() {
	g.suppress = make(map[string]window)
	g.guards = make(map[string]window)
}

// matches applies the field's tolerance rule: small absolute tolerance for
// the continuous angle field, exact equality for discrete fields.
func matches(key string, a, b interface{}) bool {
	if key == models.FieldAngle {
		fa, okA := toFloat(a)
		fb, okB := toFloat(b)
		if okA && okB {
			return math.Abs(fa-fb) <= AngleTolerance
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
