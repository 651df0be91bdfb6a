package ioevent

import (
	"context"

	"go.uber.org/atomic"

	"github.com/Math2/io-event/internal/safejob"
)

// Selector is the public surface each backend (backend/epoll,
// backend/kqueue) implements.
type Selector interface {
	Close() error

	// IOWait suspends task until fd reports a logical event intersecting
	// events, or ctx is done. events must be a nonempty subset of
	// Readable|Writable|Priority.
	IOWait(ctx context.Context, task Task, fd int, events Event) (Event, error)

	// ProcessWait suspends task until pid exits, then reports its status.
	// flags is reserved and must be zero.
	ProcessWait(ctx context.Context, task Task, pid int, flags int) (ProcessStatus, error)

	// Select flushes the ready queue, performs a nonblocking kernel poll,
	// and — if nothing was found — a blocking poll bounded by timeout,
	// dispatching fired events to waiters. It returns the total kernel
	// event count. Select is not re-entrant: concurrent or recursive
	// calls on the same Selector return an error.
	Select(timeout Duration) (int, error)

	// Wakeup interrupts a concurrent blocking Select from another
	// goroutine. It returns true iff a wakeup was actually delivered
	// (i.e. Select was blocked in the kernel wait).
	Wakeup() bool
}

// Common is the backend-common selector state: a reference to the host
// Runtime, the "currently blocked in kernel wait" flag (readable from any
// goroutine, set only around the blocking kernel wait), and the
// reentrancy guard around Select. Both backend/epoll.Backend and
// backend/kqueue.Backend embed a Common.
type Common struct {
	Runtime Runtime
	Blocked atomic.Bool

	guard safejob.ExclusiveUnblockJob
}

// NewCommon initializes a Common bound to rt.
func NewCommon(rt Runtime) Common {
	return Common{Runtime: rt}
}

// EnterSelect acquires the reentrancy guard. ok is false if Select is
// already running — on this or another goroutine — and the caller must
// return an error rather than proceed.
func (c *Common) EnterSelect() bool { return c.guard.Begin() }

// ExitSelect releases the guard acquired by a successful EnterSelect.
func (c *Common) ExitSelect() { c.guard.End() }

// FlushReady flushes the runtime's ready queue and reports whether
// anything ran.
func (c *Common) FlushReady() bool { return c.Runtime.ReadyFlush() > 0 }
