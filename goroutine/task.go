// Package goroutine is the reference ioevent.Runtime implementation: a
// goroutine stands in for a cooperatively-scheduled task, and a buffered
// rendezvous channel carries its resume value. It exists so the selector
// backends are testable and usable end to end without a real host
// scheduler loop; production embedders may supply their own ioevent.Runtime
// instead.
package goroutine

import (
	"context"

	"github.com/Math2/io-event"
)

// Task is the goroutine-backed ioevent.Task. Exactly one goroutine calls
// Wait on a given Task at a time; Resume may be called from any goroutine
// (a backend's dispatch loop, or the Runtime's ready-queue pool).
type Task struct {
	resume chan resumeValue
}

type resumeValue struct {
	events ioevent.Event
	err    error
}

// NewTask returns a Task ready to be waited on.
func NewTask() *Task {
	return &Task{resume: make(chan resumeValue, 1)}
}

// Resume implements ioevent.Task. It never blocks: the channel is buffered
// for the one outstanding resume a task can have at a time.
func (t *Task) Resume(events ioevent.Event, err error) {
	select {
	case t.resume <- resumeValue{events: events, err: err}:
	default:
		// A task has at most one outstanding wait; a second pending
		// resume before the first is collected means a backend or the
		// runtime resumed the same task twice concurrently, which is a
		// caller bug, not a condition this package can recover from
		// cleanly. Drop it rather than block the resumer.
	}
}

// Wait implements ioevent.Task: it blocks the calling goroutine until
// Resume delivers a value or ctx is done.
func (t *Task) Wait(ctx context.Context) (ioevent.Event, error) {
	select {
	case v := <-t.resume:
		return v.events, v.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
