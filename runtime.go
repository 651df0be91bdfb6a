package ioevent

import "context"

// Task is the selector's handle onto one suspended lightweight execution
// context: a single task has at most one outstanding wait across all
// descriptors at a time.
//
// Resume is called by whichever goroutine observes the task's wait
// condition (a backend's dispatch loop, or a Runtime flushing its ready
// queue) to deliver the fired events, or a non-nil err for cancellation or
// a fatal wait failure. Wait is called by the task's own goroutine to
// suspend until Resume delivers a value or ctx is done.
type Task interface {
	Resume(events Event, err error)
	Wait(ctx context.Context) (Event, error)
}

// ProcessStatus reports how a child process being waited on by ProcessWait
// ended.
type ProcessStatus struct {
	Pid      int
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   int
}

// Runtime is the host lightweight-task scheduler a Selector is embedded
// in, providing the resume mechanism, the ready queue, and process-status
// reaping. This package ships one reference implementation in the
// goroutine package; production embedders may supply their own, e.g.
// backed by a stackful-coroutine library.
type Runtime interface {
	// ReadyPush enqueues a deferred resume of task with (events, err),
	// to be delivered the next time ReadyFlush runs, rather than
	// immediately. Used by the epoll backend's EPERM-on-unsupported-fd
	// fallback: the task must still yield to the host loop before
	// seeing the events it asked for, as if they had already fired.
	ReadyPush(task Task, events Event, err error)

	// ReadyFlush runs every task enqueued by ReadyPush since the last
	// flush and returns how many ran.
	ReadyFlush() int

	// ProcessStatusWait performs a nonblocking reap of pid. Called by
	// ProcessWait once the backend has observed process-exit
	// readiness, so the process is already a zombie and this must not
	// block.
	ProcessStatusWait(pid int) (ProcessStatus, error)
}
