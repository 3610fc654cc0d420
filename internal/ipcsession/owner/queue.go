package owner

import (
	"context"
	"sync"
	"time"

	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
)

// Task is the in-memory unit of work created from a submit_prompt request,
// per spec §3. It carries weak capabilities (send/close) rather than a
// reference back to the connection or the server.
type Task struct {
	RequestID         string
	Request           wire.Request
	WaitForCompletion bool

	events chan wire.Frame
	result chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTask builds a Task from a parsed submit_prompt request.
func NewTask(req wire.Request) *Task {
	return &Task{
		RequestID:         req.RequestID,
		Request:           req,
		WaitForCompletion: req.WaitForCompletion,
		events:            make(chan wire.Frame, 64),
		result:            make(chan wire.Frame, 1),
		closed:            make(chan struct{}),
	}
}

// Send delivers an event frame to whatever is reading t.Events(); it never
// blocks past t.Close().
func (t *Task) Send(f wire.Frame) {
	select {
	case t.events <- f:
	case <-t.closed:
	}
}

// Resolve delivers the single terminal frame (result or error) for this
// task. Must be called at most once.
func (t *Task) Resolve(f wire.Frame) {
	select {
	case t.result <- f:
	default:
	}
}

// Events returns the channel of streamed event frames.
func (t *Task) Events() <-chan wire.Frame { return t.events }

// Result returns the channel that yields the task's single terminal frame.
func (t *Task) Result() <-chan wire.Frame { return t.result }

// Close releases anything blocked in Send; idempotent.
func (t *Task) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Queue is a FIFO of submit tasks awaiting the dispatch loop, per spec §3's
// "created on IPC frame -> queued or dispatched" lifecycle. Only
// submit_prompt requests are queued; control requests (cancel/set_mode/
// set_config) are invoked directly against the turn controller.
type Queue struct {
	ch chan *Task
}

// NewQueue returns an empty queue with reasonable headroom; in practice at
// most one submit is ever pending since a session has a single owner.
func NewQueue() *Queue {
	return &Queue{ch: make(chan *Task, 64)}
}

// Enqueue appends t to the queue.
func (q *Queue) Enqueue(t *Task) {
	q.ch <- t
}

// Next blocks up to timeout for a queued task, per spec §4.C step 1. It
// returns (nil, false) on timeout or ctx cancellation.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (*Task, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-q.ch:
		return t, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}
