// Package timers provides the scheduling primitives the liveness and
// reconciliation logic is written against: a Scheduler that owns "run fn
// after d", a rearmable recurring ticker, and a coalescing debouncer.
//
// All timer callbacks are delivered through the owning process's event
// loop, so handlers never run concurrently with each other.
package timers

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a scheduled callback that can be cancelled before it fires.
type Task interface {
	Cancel()
}

// Scheduler schedules callbacks and owns the clock.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Task
}

type realScheduler struct {
	post func(fn func())
}

// NewScheduler returns a wall-clock Scheduler. Callbacks are handed to
// post, which must execute them on the owning event loop; a cancelled task
// whose underlying timer already fired is dropped at delivery time, so
// Cancel called from the loop is always effective.
func NewScheduler(post func(fn func())) Scheduler {
	return &realScheduler{post: post}
}

func (s *realScheduler) Now() time.Time { return time.Now() }

func (s *realScheduler) AfterFunc(d time.Duration, fn func()) Task {
	t := &timerTask{}
	t.timer = time.AfterFunc(d, func() {
		s.post(func() {
			if t.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return t
}

type timerTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *timerTask) Cancel() {
	t.cancelled.Store(true)
	t.timer.Stop()
}

// RearmTicker is a recurring task whose period can change at runtime.
// Rearm cancels the current scheduled tick and schedules a fresh one; there
// is never more than one pending tick, so no orphaned timers accumulate.
type RearmTicker struct {
	sched    Scheduler
	fn       func()
	interval time.Duration
	task     Task
	stopped  bool
}

// NewRearmTicker creates a stopped ticker; call Rearm to start it.
func NewRearmTicker(sched Scheduler, fn func()) *RearmTicker {
	return &RearmTicker{sched: sched, fn: fn}
}

// Rearm replaces the current schedule with a new one at interval.
func (t *RearmTicker) Rearm(interval time.Duration) {
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
	t.interval = interval
	t.stopped = false
	t.schedule()
}

func (t *RearmTicker) schedule() {
	t.task = t.sched.AfterFunc(t.interval, func() {
		if t.stopped {
			return
		}
		t.fn()
		if !t.stopped {
			t.schedule()
		}
	})
}

// Stop cancels the pending tick. A stopped ticker can be restarted with
// Rearm.
func (t *RearmTicker) Stop() {
	t.stopped = true
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
}

// Interval returns the current period (zero when never armed).
func (t *RearmTicker) Interval() time.Duration { return t.interval }

// Debouncer coalesces rapid value updates into a single flush. The first
// Set schedules the flush; later Sets before the deadline replace the value
// but do NOT reset the deadline. Flush fires immediately and cancels the
// schedule.
type Debouncer struct {
	sched   Scheduler
	delay   time.Duration
	flushFn func(value interface{})
	task    Task
	value   interface{}
	pending bool
}

// NewDebouncer creates a debouncer flushing through flushFn after delay.
func NewDebouncer(sched Scheduler, delay time.Duration, flushFn func(value interface{})) *Debouncer {
	return &Debouncer{sched: sched, delay: delay, flushFn: flushFn}
}

// Set records value as the pending flush payload.
func (d *Debouncer) Set(value interface{}) {
	d.value = value
	if d.pending {
		return
	}
	d.pending = true
	d.task = d.sched.AfterFunc(d.delay, func() {
		d.fire()
	})
}

// Flush cancels the pending schedule and flushes now. No-op when nothing
// is pending.
func (d *Debouncer) Flush() {
	if !d.pending {
		return
	}
	if d.task != nil {
		d.task.Cancel()
	}
	d.fire()
}

// Cancel drops the pending value without flushing.
func (d *Debouncer) Cancel() {
	if d.task != nil {
		d.task.Cancel()
		d.task = nil
	}
	d.pending = false
	d.value = nil
}

// Pending reports whether a flush is scheduled.
func (d *Debouncer) Pending() bool { return d.pending }

func (d *Debouncer) fire() {
	value := d.value
	d.pending = false
	d.task = nil
	d.value = nil
	d.flushFn(value)
}

// ManualScheduler is a deterministic Scheduler for tests: time only moves
// when Advance is called, and due callbacks run inline in deadline order.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
	seq   int
}

type manualTask struct {
	sched     *ManualScheduler
	deadline  time.Time
	seq       int
	fn        func()
	cancelled bool
}

func (t *manualTask) Cancel() { t.cancelled = true }

// NewManualScheduler starts the clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{sched: s, deadline: s.now.Add(d), seq: s.seq, fn: fn}
	s.tasks = append(s.tasks, t)
	return t
}

// Advance moves the clock forward by d, firing every due task in deadline
// order. Tasks scheduled by fired callbacks are honored within the same
// advance when they fall due.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	for {
		t := s.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}
	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

func (s *ManualScheduler) popDue(target time.Time) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	s.tasks = live
	if len(s.tasks) == 0 {
		return nil
	}
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].deadline.Equal(s.tasks[j].deadline) {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].deadline.Before(s.tasks[j].deadline)
	})
	t := s.tasks[0]
	if t.deadline.After(target) {
		return nil
	}
	s.tasks = s.tasks[1:]
	if t.deadline.After(s.now) {
		s.now = t.deadline
	}
	return t
}
