package angle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Psynolyn/auto-window-dashboard/internal/guard"
	"github.com/Psynolyn/auto-window-dashboard/internal/models"
	"github.com/Psynolyn/auto-window-dashboard/internal/timers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	Angle  float64 `json:"angle"`
	Final  bool    `json:"final"`
	Source string  `json:"source"`
}

func newTestPublisher(maxAngle float64) (*Publisher, *timers.ManualScheduler, *[]sent) {
	sched := timers.NewManualScheduler(time.Unix(1700000000, 0))
	g := guard.New(sched.Now)
	var out []sent
	p := NewPublisher(sched, zap.NewNop(), g, func() float64 { return maxAngle }, func(payload []byte) {
		var m sent
		if err := json.Unmarshal(payload, &m); err == nil {
			out = append(out, m)
		}
	})
	return p, sched, &out
}

func TestFirstDragPublishesImmediately(t *testing.T) {
	p, _, out := newTestPublisher(180)

	p.Drag(42.4)

	require.Len(t, *out, 1)
	assert.Equal(t, sent{Angle: 42, Final: false, Source: "dashboard"}, (*out)[0])
}

func TestDragThrottled(t *testing.T) {
	p, sched, out := newTestPublisher(180)

	p.Drag(10)
	sched.Advance(30 * time.Millisecond)
	p.Drag(20)
	assert.Len(t, *out, 1, "second value inside the window is held")

	// trailing publish flushes the held value just past the window
	sched.Advance(PublishThrottle)
	require.Len(t, *out, 2)
	assert.Equal(t, 20.0, (*out)[1].Angle)
	assert.False(t, (*out)[1].Final)
}

func TestTrailingCarriesNewestValue(t *testing.T) {
	p, sched, out := newTestPublisher(180)

	p.Drag(10)
	sched.Advance(20 * time.Millisecond)
	p.Drag(20)
	sched.Advance(20 * time.Millisecond)
	p.Drag(30)

	sched.Advance(100 * time.Millisecond)
	require.Len(t, *out, 2)
	assert.Equal(t, 30.0, (*out)[1].Angle)
}

func TestReleasePublishesExactlyOneFinal(t *testing.T) {
	p, sched, out := newTestPublisher(180)

	p.Drag(10)
	sched.Advance(30 * time.Millisecond)
	p.Drag(20) // held
	p.Release(25)

	sched.Advance(time.Second)

	finals := 0
	for _, m := range *out {
		if m.Final {
			finals++
			assert.Equal(t, 25.0, m.Angle)
		}
	}
	assert.Equal(t, 1, finals)
	require.Len(t, *out, 2, "the held transient is dropped in favor of the final")
}

func TestHeldDragGuardsNewestValue(t *testing.T) {
	sched := timers.NewManualScheduler(time.Unix(1700000000, 0))
	g := guard.New(sched.Now)
	var out []sent
	p := NewPublisher(sched, zap.NewNop(), g, func() float64 { return 180 }, func(payload []byte) {
		var m sent
		if err := json.Unmarshal(payload, &m); err == nil {
			out = append(out, m)
		}
	})

	p.Drag(10)
	sched.Advance(30 * time.Millisecond)
	p.Drag(20) // held by the throttle

	assert.Len(t, out, 1)
	assert.True(t, g.IsGuardedMismatch(models.FieldAngle, 35.0),
		"guard tracks the held value, not just the published one")
	assert.False(t, g.IsGuardedMismatch(models.FieldAngle, 20.0))
	assert.True(t, g.ShouldSuppressEcho(models.FieldAngle, 10.0),
		"suppress window for the published value survives the extension")
}

func TestActiveTracksGesture(t *testing.T) {
	p, _, _ := newTestPublisher(180)

	assert.False(t, p.Active())
	p.Drag(10)
	assert.True(t, p.Active())
	p.Release(10)
	assert.False(t, p.Active())
}

func TestDisplayedValueRoundedAndClamped(t *testing.T) {
	p, sched, out := newTestPublisher(90)

	p.Drag(120)
	sched.Advance(PublishThrottle)
	p.Drag(45.6)
	p.Release(-10)

	require.Len(t, *out, 3)
	assert.Equal(t, 90.0, (*out)[0].Angle)
	assert.Equal(t, 46.0, (*out)[1].Angle)
	assert.Equal(t, 0.0, (*out)[2].Angle)
}
