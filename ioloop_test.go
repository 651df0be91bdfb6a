//go:build linux

package ioevent_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Math2/io-event"
	"github.com/Math2/io-event/backend/epoll"
	"github.com/Math2/io-event/goroutine"
)

type sliceBuffer []byte

func (s sliceBuffer) Bytes() []byte { return s }

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

func TestIOReadWriteRoundTrip(t *testing.T) {
	rt, err := goroutine.New()
	require.NoError(t, err)
	sel, err := epoll.New(rt)
	require.NoError(t, err)
	defer sel.Close()

	stop := make(chan struct{})
	driveSelect(t, sel, stop)
	defer close(stop)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	writeTask := goroutine.NewTask()
	readTask := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := sliceBuffer("hello, ioevent")
	done := make(chan error, 1)
	go func() {
		_, werr := ioevent.IOWrite(ctx, sel, writeTask, ioevent.Descriptor(w), out, len(out), 0)
		done <- werr
	}()

	in := make(sliceBuffer, len(out))
	n, err := ioevent.IORead(ctx, sel, readTask, ioevent.Descriptor(r), in, len(in), 0)
	require.NoError(t, err)
	assert.Equal(t, len(out), n)
	assert.Equal(t, string(out), string(in))
	require.NoError(t, <-done)
}

func TestIOReadReturnsZeroOnEOF(t *testing.T) {
	rt, err := goroutine.New()
	require.NoError(t, err)
	sel, err := epoll.New(rt)
	require.NoError(t, err)
	defer sel.Close()

	stop := make(chan struct{})
	driveSelect(t, sel, stop)
	defer close(stop)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, w.Close())

	task := goroutine.NewTask()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := make(sliceBuffer, 16)
	n, err := ioevent.IORead(ctx, sel, task, ioevent.Descriptor(r), buf, len(buf), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIOWritePanicsOnOversizedLength(t *testing.T) {
	rt, err := goroutine.New()
	require.NoError(t, err)
	sel, err := epoll.New(rt)
	require.NoError(t, err)
	defer sel.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	task := goroutine.NewTask()
	buf := make(sliceBuffer, 4)
	assert.Panics(t, func() {
		_, _ = ioevent.IOWrite(context.Background(), sel, task, ioevent.Descriptor(w), buf, 100, 0)
	})
}
