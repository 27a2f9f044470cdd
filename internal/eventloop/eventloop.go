// Package eventloop runs one process's state transitions on a single
// goroutine. Bus message handlers and timer callbacks are posted here, so
// the guard tables, liveness beliefs and lastKnown copies never need
// locks — the same property the browser event loop gave the original
// dashboard.
package eventloop

import "context"

// Loop is a single-consumer task queue.
type Loop struct {
	tasks chan func()
}

// New creates a loop with a buffered task queue.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{tasks: make(chan func(), buffer)}
}

// Post enqueues fn for execution on the loop goroutine. Safe to call from
// any goroutine; drops nothing (blocks if the queue is full, which only
// happens when the consumer is wedged).
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// Run consumes tasks until ctx is cancelled. It is the only goroutine that
// executes posted functions.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}
