//go:build freebsd || dragonfly || darwin

// Package kqueue is the kqueue-class readiness-multiplexing backend for
// BSD/Darwin systems: per-call one-shot EV_ADD|EV_ENABLE|EV_ONESHOT
// arming (kqueue filters auto-disarm on fire, so there is no persistent
// armed-mask to widen the way epoll.Backend has), EVFILT_PROC|NOTE_EXIT
// for process_wait, and EVFILT_USER for cross-goroutine wakeup.
package kqueue

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Math2/io-event"
	"github.com/Math2/io-event/internal/dtable"
	"github.com/Math2/io-event/internal/list"
	"github.com/Math2/io-event/log"
	"github.com/Math2/io-event/metrics"
)

const defaultEventCount = 64

const requestable = ioevent.Readable | ioevent.Writable | ioevent.Priority

// wakeupIdent is the EVFILT_USER identity used for cross-goroutine
// Wakeup; 0 never collides with a real fd or pid, both of which are >= 0
// but are only ever registered under EVFILT_READ/WRITE/PROC, a distinct
// filter namespace from EVFILT_USER.
const wakeupIdent = 0

// waiter is the payload threaded through a descriptor's waiter list.
type waiter struct {
	task   ioevent.Task
	events ioevent.Event
}

// descriptor is the kqueue analogue of backend/epoll's descriptor: since
// kqueue filters are one-shot and carry no persistent armed state, there
// is no "armed" mask to track here — only the waiter list itself.
type descriptor struct {
	mu   sync.Mutex
	head *list.Node[waiter]
}

func newDescriptor() *descriptor {
	return &descriptor{head: list.New[waiter]()}
}

// Backend implements ioevent.Selector over one kqueue instance.
type Backend struct {
	common ioevent.Common

	fd     int
	table  *dtable.Table[descriptor] // keyed by fd, for IOWait
	procs  *dtable.Table[descriptor] // keyed by pid, for ProcessWait
	events []unix.Kevent_t
}

var _ ioevent.Selector = (*Backend)(nil)

// New creates a kqueue instance bound to rt and arms its EVFILT_USER
// wakeup identity.
func New(rt ioevent.Runtime) (*Backend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	b := &Backend{
		common: ioevent.NewCommon(rt),
		fd:     fd,
		table:  dtable.New[descriptor](),
		procs:  dtable.New[descriptor](),
		events: make([]unix.Kevent_t, defaultEventCount),
	}
	wake := unix.Kevent_t{
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	setIdent(&wake, wakeupIdent)
	if _, err := unix.Kevent(fd, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "kevent add (wakeup)")
	}
	return b, nil
}

// Close releases the kqueue instance.
func (b *Backend) Close() error {
	return os.NewSyscallError("close", unix.Close(b.fd))
}

// IOWait implements ioevent.Selector.
func (b *Backend) IOWait(ctx context.Context, task ioevent.Task, fd int, events ioevent.Event) (ioevent.Event, error) {
	if events == 0 || events&^requestable != 0 {
		return 0, errors.New("ioevent: io_wait events must be a nonempty subset of Readable|Writable|Priority")
	}

	d := b.table.Ensure(fd, newDescriptor)
	d.mu.Lock()
	var changes []unix.Kevent_t
	if events&(ioevent.Readable|ioevent.Priority) != 0 {
		changes = append(changes, readFilter(fd))
	}
	if events&ioevent.Writable != 0 {
		changes = append(changes, writeFilter(fd))
	}
	w := list.NewEntry(waiter{task: task, events: events})
	d.head.PushHead(w)
	d.mu.Unlock()

	if _, err := unix.Kevent(b.fd, changes, nil, nil); err != nil {
		d.mu.Lock()
		w.Remove()
		d.mu.Unlock()
		if err == unix.EPERM {
			// Descriptor type not supported by kqueue: treat as
			// always ready, matching backend/epoll's EPERM fallback.
			log.Debugf("kqueue: EPERM arming fd %d for %s, treating as always ready", fd, events)
			metrics.Add(metrics.EPERMFallback, 1)
			b.common.Runtime.ReadyPush(task, events, nil)
			return task.Wait(ctx)
		}
		return 0, errors.Wrap(err, "kevent")
	}
	metrics.Add(metrics.WaitersArmed, 1)

	defer func() {
		d.mu.Lock()
		w.Remove()
		d.mu.Unlock()
	}()

	return task.Wait(ctx)
}

func readFilter(fd int) unix.Kevent_t {
	k := unix.Kevent_t{Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT}
	setIdent(&k, fd)
	return k
}

func writeFilter(fd int) unix.Kevent_t {
	k := unix.Kevent_t{Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT}
	setIdent(&k, fd)
	return k
}

// ProcessWait implements ioevent.Selector. Unlike epoll, which needs a
// pidfd to get an epoll-compatible descriptor, kqueue can watch a pid
// directly via EVFILT_PROC.
func (b *Backend) ProcessWait(ctx context.Context, task ioevent.Task, pid int, flags int) (ioevent.ProcessStatus, error) {
	if flags != 0 {
		return ioevent.ProcessStatus{}, errors.New("ioevent: process_wait flags must be zero")
	}

	d := b.procs.Ensure(pid, newDescriptor)
	d.mu.Lock()
	w := list.NewEntry(waiter{task: task, events: ioevent.Exit})
	d.head.PushHead(w)
	d.mu.Unlock()

	k := unix.Kevent_t{Filter: unix.EVFILT_PROC, Flags: unix.EV_ADD | unix.EV_ONESHOT, Fflags: unix.NOTE_EXIT}
	setIdent(&k, pid)
	if _, err := unix.Kevent(b.fd, []unix.Kevent_t{k}, nil, nil); err != nil {
		d.mu.Lock()
		w.Remove()
		d.mu.Unlock()
		return ioevent.ProcessStatus{}, errors.Wrap(err, "kevent add (process_wait)")
	}

	defer func() {
		d.mu.Lock()
		w.Remove()
		d.mu.Unlock()
		b.procs.Delete(pid)
	}()

	if _, err := task.Wait(ctx); err != nil {
		return ioevent.ProcessStatus{}, err
	}
	return b.common.Runtime.ProcessStatusWait(pid)
}

// Select implements ioevent.Selector.
func (b *Backend) Select(timeout ioevent.Duration) (int, error) {
	if !b.common.EnterSelect() {
		return 0, errors.New("ioevent: select is not re-entrant")
	}
	defer b.common.ExitSelect()

	foundReady := b.common.FlushReady()

	n, err := b.poll(ioevent.NonBlocking())
	if err != nil {
		return 0, err
	}
	if n == 0 && !foundReady {
		b.common.Blocked.Store(true)
		n, err = b.poll(timeout)
		b.common.Blocked.Store(false)
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (b *Backend) poll(d ioevent.Duration) (int, error) {
	n, err := unix.Kevent(b.fd, nil, b.events, d.Timespec())
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent", err)
	}
	if d.Milliseconds() == 0 {
		metrics.Add(metrics.KqueueNoWait, 1)
	}
	metrics.Add(metrics.KqueueWait, 1)
	metrics.Add(metrics.KqueueEvents, uint64(n))
	b.dispatch(n)
	return n, nil
}

// dispatch runs a two-pass scan: events for the same descriptor can
// arrive as separate Kevent_t entries (one per filter) in a single
// kevent() return, so fired events are first accumulated per descriptor,
// then each touched descriptor is dispatched once with its full
// accumulated mask — otherwise a waiter requesting Readable|Writable on
// a descriptor that became both-ready in the same poll could be resumed
// twice, once per filter.
func (b *Backend) dispatch(n int) {
	type touched struct {
		d     *descriptor
		fired ioevent.Event
	}
	acc := make(map[int]*touched, n)
	accProc := make(map[int]*touched, n)

	for i := 0; i < n; i++ {
		kev := b.events[i]
		id := int(getIdent(&kev))

		if kev.Filter == unix.EVFILT_USER && id == wakeupIdent {
			continue
		}

		if kev.Filter == unix.EVFILT_PROC {
			t, ok := accProc[id]
			if !ok {
				dp := b.procs.Lookup(id)
				if dp == nil {
					continue
				}
				t = &touched{d: dp}
				accProc[id] = t
			}
			t.fired |= ioevent.Exit
			continue
		}

		t, ok := acc[id]
		if !ok {
			dd := b.table.Lookup(id)
			if dd == nil {
				continue
			}
			t = &touched{d: dd}
			acc[id] = t
		}
		t.fired |= kernelFilterToLogical(kev.Filter, kev.Flags)
	}

	for _, t := range acc {
		// kqueue has no distinct out-of-band filter: fold Readable into
		// also satisfying Priority so a Priority-only waiter still wakes
		// when data becomes readable.
		fired := t.fired
		if fired&ioevent.Readable != 0 {
			fired |= ioevent.Priority
		}
		b.dispatchDescriptor(t.d, fired)
	}
	for _, t := range accProc {
		b.dispatchDescriptor(t.d, t.fired)
	}
}

func (b *Backend) dispatchDescriptor(d *descriptor, fired ioevent.Event) {
	d.mu.Lock()
	list.Dispatch(d.head,
		func(n *list.Node[waiter]) bool { return n.Value.events&fired != 0 },
		func(n *list.Node[waiter]) { n.Value.task.Resume(n.Value.events&fired, nil) },
	)
	d.mu.Unlock()
}

// Wakeup implements ioevent.Selector.
func (b *Backend) Wakeup() bool {
	if !b.common.Blocked.Load() {
		return false
	}
	k := unix.Kevent_t{Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
	setIdent(&k, wakeupIdent)
	if _, err := unix.Kevent(b.fd, []unix.Kevent_t{k}, nil, nil); err != nil {
		log.Warnf("kqueue: wakeup trigger: %v", err)
		return false
	}
	metrics.Add(metrics.WakeupsSignalled, 1)
	return true
}

func kernelFilterToLogical(filter int16, flags uint16) ioevent.Event {
	var out ioevent.Event
	switch filter {
	case unix.EVFILT_READ:
		out |= ioevent.Readable
	case unix.EVFILT_WRITE:
		out |= ioevent.Writable
	}
	if flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
		out |= ioevent.Readable
	}
	return out
}
