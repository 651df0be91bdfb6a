package ioevent

import (
	"context"
	"os"

	"golang.org/x/sys/unix"
)

// Buffer is the minimal interface ioloop needs from a buffer object: the
// byte slice to read into or write from. Buffer growth, pooling, and
// fixed-size framing live with the caller; this package only ever sees
// the raw bytes.
type Buffer interface {
	Bytes() []byte
}

// Descriptor extracts the raw file descriptor backing f.
func Descriptor(f *os.File) int {
	return int(f.Fd())
}

func nonblockSet(fd int) (int, error) {
	prior, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, os.NewSyscallError("fcntl getfl", err)
	}
	if prior&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, prior|unix.O_NONBLOCK); err != nil {
			return 0, os.NewSyscallError("fcntl setfl", err)
		}
	}
	return prior, nil
}

func nonblockRestore(fd int, prior int) {
	if prior&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, prior)
	}
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// IORead reads up to length bytes into buffer starting at offset, putting
// fd into nonblocking mode for the duration (restoring its prior flags on
// every exit path) and retrying through sel.IOWait on EAGAIN/EINTR until
// length bytes have been read or the descriptor reports EOF (a zero-length
// read).
func IORead(ctx context.Context, sel Selector, task Task, fd int, buffer Buffer, length, offset int) (int, error) {
	prior, err := nonblockSet(fd)
	if err != nil {
		return -1, err
	}
	defer nonblockRestore(fd, prior)

	total := 0
	for length > 0 {
		b := buffer.Bytes()
		end := offset + length
		if end > len(b) {
			end = len(b)
		}
		n, err := unix.Read(fd, b[offset:end])
		if err != nil {
			if isRetryable(err) {
				if _, werr := sel.IOWait(ctx, task, fd, Readable); werr != nil {
					return total, werr
				}
				continue
			}
			return -1, os.NewSyscallError("read", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
		offset += n
		length -= n
	}
	return total, nil
}

// IOWrite writes length bytes from buffer starting at offset, with the
// same nonblocking-mode and retry discipline as IORead. length must not
// exceed the buffer's size; violating that is a programmer error (panic).
//
// IOWrite always waits for Writable on a partial write, here and on both
// backends: waiting for Readable instead would stall a partial write
// behind a readability event with no bearing on write progress.
func IOWrite(ctx context.Context, sel Selector, task Task, fd int, buffer Buffer, length, offset int) (int, error) {
	b := buffer.Bytes()
	if length > len(b) {
		panic("ioevent: IOWrite length exceeds buffer size")
	}
	prior, err := nonblockSet(fd)
	if err != nil {
		return -1, err
	}
	defer nonblockRestore(fd, prior)

	total := 0
	for length > 0 {
		end := offset + length
		if end > len(b) {
			end = len(b)
		}
		n, err := unix.Write(fd, b[offset:end])
		if err != nil {
			if isRetryable(err) {
				if _, werr := sel.IOWait(ctx, task, fd, Writable); werr != nil {
					return total, werr
				}
				continue
			}
			return -1, os.NewSyscallError("write", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
		offset += n
		length -= n
	}
	return total, nil
}
