//go:build linux

// Package epoll is the epoll-class readiness-multiplexing backend: one
// epoll instance, a per-descriptor armed-events mask that is lazily
// widened rather than reset on every wait, EPOLLONESHOT for process exit
// waits, and the splice/resume/unsplice dispatch discipline from
// internal/list.
package epoll

import (
	"context"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Math2/io-event"
	"github.com/Math2/io-event/internal/dtable"
	"github.com/Math2/io-event/internal/list"
	"github.com/Math2/io-event/internal/wakeup"
	"github.com/Math2/io-event/log"
	"github.com/Math2/io-event/metrics"
)

const defaultEventCount = 64

const requestable = ioevent.Readable | ioevent.Writable | ioevent.Priority

// waiter is the payload threaded through a descriptor's waiter list.
type waiter struct {
	task   ioevent.Task
	events ioevent.Event
}

// descriptor holds one fd's waiter list plus the aggregate armed-events
// mask the kernel currently knows about.
type descriptor struct {
	mu    sync.Mutex
	head  *list.Node[waiter]
	armed ioevent.Event // 0 means "absent from the kernel set"
}

func newDescriptor() *descriptor {
	return &descriptor{head: list.New[waiter]()}
}

// Backend implements ioevent.Selector over one epoll instance.
type Backend struct {
	common ioevent.Common

	fd     int
	wake   *wakeup.FD
	table  *dtable.Table[descriptor]
	events []unix.EpollEvent
}

var _ ioevent.Selector = (*Backend)(nil)

// New creates an epoll instance and its interrupt channel, bound to rt.
func New(rt ioevent.Runtime) (*Backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wake, err := wakeup.New()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	b := &Backend{
		common: ioevent.NewCommon(rt),
		fd:     fd,
		wake:   wake,
		table:  dtable.New[descriptor](),
		events: make([]unix.EpollEvent, defaultEventCount),
	}
	if err := epollCtl(fd, unix.EPOLL_CTL_ADD, wake.Fd(), &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wake.Fd()),
	}); err != nil {
		_ = wake.Close()
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "epoll_ctl add (wakeup)")
	}
	return b, nil
}

// Close releases the epoll instance and its interrupt channel.
func (b *Backend) Close() error {
	if err := b.wake.Close(); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(b.fd))
}

func (b *Backend) ctl(op int, fd int, mask uint32) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: mask, Fd: int32(fd)}
	}
	return epollCtl(b.fd, op, fd, ev)
}

// IOWait implements ioevent.Selector.
func (b *Backend) IOWait(ctx context.Context, task ioevent.Task, fd int, events ioevent.Event) (ioevent.Event, error) {
	if events == 0 || events&^requestable != 0 {
		return 0, errors.New("ioevent: io_wait events must be a nonempty subset of Readable|Writable|Priority")
	}

	d := b.table.Ensure(fd, newDescriptor)
	d.mu.Lock()
	if d.armed&events != events {
		op := unix.EPOLL_CTL_ADD
		if d.armed != 0 {
			op = unix.EPOLL_CTL_MOD
		}
		want := d.armed | events
		if err := b.ctl(op, fd, kernelMask(want)); err != nil {
			d.mu.Unlock()
			if op == unix.EPOLL_CTL_ADD && err == unix.EPERM {
				// Descriptor type not supported by epoll (e.g. a
				// regular file): treat as always ready rather than
				// fail.
				log.Debugf("epoll: EPERM arming fd %d for %s, treating as always ready", fd, events)
				metrics.Add(metrics.EPERMFallback, 1)
				b.common.Runtime.ReadyPush(task, events, nil)
				return task.Wait(ctx)
			}
			return 0, errors.Wrap(err, "epoll_ctl")
		}
		d.armed = want
	}
	w := list.NewEntry(waiter{task: task, events: events})
	d.head.PushHead(w)
	d.mu.Unlock()
	metrics.Add(metrics.WaitersArmed, 1)

	defer b.unlink(fd, d, w)

	return task.Wait(ctx)
}

// unlink removes w from d's waiter list and reconciles the kernel-armed
// mask to the narrower union of whatever waiters remain. Reconciliation
// happens here, at every waiter removal, rather than only once per
// dispatch pass, since it must run on every exit path anyway (normal
// resumption, cancellation) and doing it uniformly means there is exactly
// one reconciliation code path to get right.
func (b *Backend) unlink(fd int, d *descriptor, w *list.Node[waiter]) {
	d.mu.Lock()
	w.Remove()
	if err := b.reconcileLocked(fd, d); err != nil {
		log.Warnf("epoll: reconcile fd %d: %v", fd, err)
	}
	d.mu.Unlock()
}

// reconcileLocked must be called with d.mu held.
func (b *Backend) reconcileLocked(fd int, d *descriptor) error {
	var want ioevent.Event
	for n := d.head.Next(); n != d.head; n = n.Next() {
		want |= n.Value.events
	}
	if want == d.armed {
		return nil
	}
	if want == 0 {
		if d.armed != 0 {
			if err := b.ctl(unix.EPOLL_CTL_DEL, fd, 0); err != nil {
				return errors.Wrap(err, "epoll_ctl del")
			}
		}
	} else {
		if err := b.ctl(unix.EPOLL_CTL_MOD, fd, kernelMask(want)); err != nil {
			return errors.Wrap(err, "epoll_ctl mod")
		}
		metrics.Add(metrics.OneShotRearmed, 1)
	}
	d.armed = want
	return nil
}

// ProcessWait implements ioevent.Selector.
func (b *Backend) ProcessWait(ctx context.Context, task ioevent.Task, pid int, flags int) (ioevent.ProcessStatus, error) {
	if flags != 0 {
		return ioevent.ProcessStatus{}, errors.New("ioevent: process_wait flags must be zero")
	}
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return ioevent.ProcessStatus{}, os.NewSyscallError("pidfd_open", err)
	}
	defer func() { _ = unix.Close(pidfd) }()

	d := b.table.Ensure(pidfd, newDescriptor)
	d.mu.Lock()
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLONESHOT,
		Fd:     int32(pidfd),
	}
	if err := epollCtl(b.fd, unix.EPOLL_CTL_ADD, pidfd, ev); err != nil {
		d.mu.Unlock()
		return ioevent.ProcessStatus{}, errors.Wrap(err, "epoll_ctl add (process_wait)")
	}
	d.armed = ioevent.Readable
	w := list.NewEntry(waiter{task: task, events: ioevent.Readable})
	d.head.PushHead(w)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		w.Remove()
		d.armed = 0
		d.mu.Unlock()
		b.table.Delete(pidfd)
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
	n, err := epollPwait2(b.fd, b.events, d.Timespec())
	if err == unix.ENOSYS {
		metrics.Add(metrics.EpollPwait2Unsupported, 1)
		n, err = unix.EpollWait(b.fd, b.events, d.Milliseconds())
	}
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	if d.Milliseconds() == 0 {
		metrics.Add(metrics.EpollNoWait, 1)
	}
	metrics.Add(metrics.EpollWait, 1)
	metrics.Add(metrics.EpollEvents, uint64(n))
	b.dispatch(n)
	return n, nil
}

func (b *Backend) dispatch(n int) {
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Fd)
		if fd == b.wake.Fd() {
			_ = b.wake.Drain()
			continue
		}
		d := b.table.Lookup(fd)
		if d == nil {
			continue
		}
		fired := kernelToLogical(ev.Events)
		d.mu.Lock()
		list.Dispatch(d.head,
			func(n *list.Node[waiter]) bool { return n.Value.events&fired != 0 },
			func(n *list.Node[waiter]) { n.Value.task.Resume(n.Value.events&fired, nil) },
		)
		if err := b.reconcileLocked(fd, d); err != nil {
			log.Warnf("epoll: reconcile fd %d after dispatch: %v", fd, err)
		}
		d.mu.Unlock()
	}
}

// Wakeup implements ioevent.Selector.
func (b *Backend) Wakeup() bool {
	if !b.common.Blocked.Load() {
		return false
	}
	if err := b.wake.Signal(); err != nil {
		log.Warnf("epoll: wakeup signal: %v", err)
		return false
	}
	metrics.Add(metrics.WakeupsSignalled, 1)
	return true
}

func kernelToLogical(e uint32) ioevent.Event {
	// HUP and ERR are folded into Readable because epoll has no
	// dedicated bit for either; callers discover closure via a
	// readable-zero return.
	var out ioevent.Event
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		out |= ioevent.Readable
	}
	if e&unix.EPOLLPRI != 0 {
		out |= ioevent.Priority
	}
	if e&unix.EPOLLOUT != 0 {
		out |= ioevent.Writable
	}
	return out
}

// kernelMask always requests EPOLLHUP|EPOLLERR in addition to the caller's
// bits: dropping either means a closed or errored descriptor never wakes
// a waiter that only asked for Readable|Writable.
func kernelMask(e ioevent.Event) uint32 {
	out := uint32(unix.EPOLLHUP | unix.EPOLLERR)
	if e&ioevent.Readable != 0 {
		out |= unix.EPOLLIN
	}
	if e&ioevent.Priority != 0 {
		out |= unix.EPOLLPRI
	}
	if e&ioevent.Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollCtl(epfd, op, fd int, ev *unix.EpollEvent) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_EPOLL_CTL,
		uintptr(epfd), uintptr(op), uintptr(fd), uintptr(unsafe.Pointer(ev)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// epollPwait2 issues the nanosecond-precision epoll_pwait2 syscall directly.
// On kernels that lack it, it returns ENOSYS and poll falls back to
// epoll_wait.
func epollPwait2(epfd int, events []unix.EpollEvent, ts *unix.Timespec) (int, error) {
	var tsPtr unsafe.Pointer
	if ts != nil {
		tsPtr = unsafe.Pointer(ts)
	}
	r0, _, errno := unix.Syscall6(unix.SYS_EPOLL_PWAIT2,
		uintptr(epfd), uintptr(unsafe.Pointer(&events[0])), uintptr(len(events)),
		uintptr(tsPtr), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r0), nil
}
