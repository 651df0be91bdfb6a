package ioevent

import (
	"time"

	"golang.org/x/sys/unix"
)

// Duration is Select's timeout representation: unset blocks indefinitely,
// zero is nonblocking, otherwise it bounds the wait.
type Duration struct {
	set bool
	d   time.Duration
}

// Forever is the "block indefinitely" duration.
func Forever() Duration { return Duration{} }

// NonBlocking is the "never block" duration.
func NonBlocking() Duration { return Duration{set: true} }

// After bounds the wait to d, which may be zero (equivalent to
// NonBlocking).
func After(d time.Duration) Duration { return Duration{set: true, d: d} }

// Blocking reports whether this duration blocks indefinitely.
func (d Duration) Blocking() bool { return !d.set }

// Timespec converts to a *unix.Timespec suitable for epoll_pwait2 or
// kevent, nil meaning block indefinitely.
func (d Duration) Timespec() *unix.Timespec {
	if !d.set {
		return nil
	}
	ts := unix.NsecToTimespec(d.d.Nanoseconds())
	return &ts
}

// Milliseconds converts to the millisecond timeout epoll_wait expects, -1
// meaning block indefinitely — the fallback path when epoll_pwait2 is
// unavailable (ENOSYS).
func (d Duration) Milliseconds() int {
	if !d.set {
		return -1
	}
	ms := d.d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(ms)
}
