package goroutine

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/Math2/io-event"
	"github.com/Math2/io-event/log"
	"github.com/Math2/io-event/metrics"
)

// Runtime dispatches deferred ready-queue resumes (ReadyPush/ReadyFlush)
// through a goroutine pool of reusable workers instead of spawning one goroutine per
// resumed task, using github.com/panjf2000/ants/v2 for panic-safe,
// reusable worker goroutines.
type Runtime struct {
	mu    sync.Mutex
	ready []readyEntry
	pool  *ants.Pool
}

type readyEntry struct {
	task   ioevent.Task
	events ioevent.Event
	err    error
}

// New creates a Runtime with an unbounded (ants' "0 means no limit")
// goroutine pool backing its ready-queue flush.
func New() (*Runtime, error) {
	pool, err := ants.NewPool(0)
	if err != nil {
		return nil, err
	}
	return &Runtime{pool: pool}, nil
}

// ReadyPush implements ioevent.Runtime.
func (rt *Runtime) ReadyPush(task ioevent.Task, events ioevent.Event, err error) {
	rt.mu.Lock()
	rt.ready = append(rt.ready, readyEntry{task: task, events: events, err: err})
	rt.mu.Unlock()
}

// ReadyFlush implements ioevent.Runtime.
func (rt *Runtime) ReadyFlush() int {
	rt.mu.Lock()
	batch := rt.ready
	rt.ready = nil
	rt.mu.Unlock()

	for _, e := range batch {
		e := e
		metrics.Add(metrics.TaskAssigned, 1)
		if err := rt.pool.Submit(func() { e.task.Resume(e.events, e.err) }); err != nil {
			log.Errorf("goroutine: ready-queue dispatch: %v", err)
			e.task.Resume(e.events, e.err)
		}
	}
	return len(batch)
}

// ProcessStatusWait implements ioevent.Runtime with a nonblocking
// wait4(WNOHANG). Callers only reach this after the backend observed the
// process as ready to be reaped, so this never actually blocks.
func (rt *Runtime) ProcessStatusWait(pid int) (ioevent.ProcessStatus, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return ioevent.ProcessStatus{}, err
	}
	status := ioevent.ProcessStatus{Pid: pid}
	switch {
	case ws.Exited():
		status.Exited = true
		status.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		status.Signaled = true
		status.Signal = int(ws.Signal())
	}
	return status, nil
}
