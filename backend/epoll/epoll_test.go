//go:build linux

package epoll_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Math2/io-event"
	"github.com/Math2/io-event/backend/epoll"
	"github.com/Math2/io-event/goroutine"
)

// driveSelect runs sel.Select in a loop on its own goroutine until stop is
// closed, standing in for the host task runtime's event loop — exactly one
// goroutine may call Select at a time.
func driveSelect(t *testing.T, sel ioevent.Selector, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := sel.Select(ioevent.After(20 * time.Millisecond)); err != nil {
				return
			}
		}
	}()
}

func newBackend(t *testing.T) (*epoll.Backend, *goroutine.Runtime) {
	t.Helper()
	rt, err := goroutine.New()
	require.NoError(t, err)
	b, err := epoll.New(rt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, rt
}

func TestIOWaitReadableOnPipe(t *testing.T) {
	b, _ := newBackend(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	stop := make(chan struct{})
	driveSelect(t, b, stop)
	defer close(stop)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}()

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := b.IOWait(ctx, task, int(r.Fd()), ioevent.Readable)
	require.NoError(t, err)
	assert.Equal(t, ioevent.Readable, events)
}

func TestIOWaitWritableReadyImmediately(t *testing.T) {
	b, _ := newBackend(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	stop := make(chan struct{})
	driveSelect(t, b, stop)
	defer close(stop)

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := b.IOWait(ctx, task, int(w.Fd()), ioevent.Writable)
	require.NoError(t, err)
	assert.Equal(t, ioevent.Writable, events)
}

func TestIOWaitCancelledByContext(t *testing.T) {
	b, _ := newBackend(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	stop := make(chan struct{})
	driveSelect(t, b, stop)
	defer close(stop)

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.IOWait(ctx, task, int(r.Fd()), ioevent.Readable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessWaitReapsChild(t *testing.T) {
	b, _ := newBackend(t)

	stop := make(chan struct{})
	driveSelect(t, b, stop)
	defer close(stop)

	cmd := exec.Command("sh", "-c", "sleep 0.1")
	require.NoError(t, cmd.Start())

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := b.ProcessWait(ctx, task, cmd.Process.Pid, 0)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, status.Pid)
	assert.True(t, status.Exited)
	assert.Equal(t, 0, status.ExitCode)
}

func TestProcessWaitRejectsNonzeroFlags(t *testing.T) {
	b, _ := newBackend(t)
	task := goroutine.NewTask()
	_, err := b.ProcessWait(context.Background(), task, os.Getpid(), 1)
	assert.Error(t, err)
}

func TestWakeupInterruptsBlockedSelect(t *testing.T) {
	b, _ := newBackend(t)

	done := make(chan int, 1)
	go func() {
		n, _ := b.Select(ioevent.After(2 * time.Second))
		done <- n
	}()

	// Give Select time to enter its blocking kernel wait.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.Wakeup())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Select did not return after Wakeup")
	}
}

// TestIOWaitEPERMFallbackOnRegularFile exercises the always-ready fallback
// epoll takes for descriptor types it cannot poll: epoll_ctl(ADD) on a
// regular file always fails EPERM on Linux.
func TestIOWaitEPERMFallbackOnRegularFile(t *testing.T) {
	b, _ := newBackend(t)

	stop := make(chan struct{})
	driveSelect(t, b, stop)
	defer close(stop)

	f, err := os.CreateTemp(t.TempDir(), "epoll-epermtest")
	require.NoError(t, err)
	defer f.Close()

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := b.IOWait(ctx, task, int(f.Fd()), ioevent.Readable)
	require.NoError(t, err)
	assert.Equal(t, ioevent.Readable, events)
}

func TestSelectIsNotReentrant(t *testing.T) {
	b, _ := newBackend(t)

	blocking := make(chan struct{})
	release := make(chan struct{})
	go func() {
		close(blocking)
		_, _ = b.Select(ioevent.Forever())
		<-release
	}()
	<-blocking
	time.Sleep(20 * time.Millisecond)

	_, err := b.Select(ioevent.NonBlocking())
	assert.Error(t, err)

	b.Wakeup()
	close(release)
}
