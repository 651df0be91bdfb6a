//go:build linux

// Package wakeup provides the epoll backend's interrupt channel: a
// single-reader, any-writer signalling primitive exposed to the selector as
// an ordinary readable descriptor, used to unblock a sleeping selector from
// another thread.
//
// The kqueue backend does not use this package: it implements wakeup
// directly with EVFILT_USER, which needs no backing descriptor.
package wakeup

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// FD is an eventfd-backed interrupt channel.
type FD struct {
	fd int
}

// New creates a nonblocking, close-on-exec eventfd.
func New() (*FD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &FD{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for arming with the selector's
// kernel backend.
func (w *FD) Fd() int { return w.fd }

// Close releases the eventfd.
func (w *FD) Close() error {
	return os.NewSyscallError("close", unix.Close(w.fd))
}

// Signal wakes a thread blocked with this descriptor armed for readability.
func (w *FD) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Counter is already nonzero: a pending signal is still
			// unobserved, which is all Signal needs to guarantee.
			return nil
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

// Drain clears a pending signal once the selector has observed the
// descriptor as readable, so it is not re-reported on the next poll.
func (w *FD) Drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return os.NewSyscallError("read", err)
		}
	}
}
