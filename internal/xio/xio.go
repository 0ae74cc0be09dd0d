// Package xio is the I/O effect layer: socket send/recv and file
// read/write helpers with partial-progress semantics for both blocking and
// non-blocking descriptors, plus the block-rounded direct-I/O write that
// makes O_DIRECT workable on arbitrary-length payloads.
//
// Every helper here operates on raw file descriptors via golang.org/x/sys/unix
// rather than net.Conn/os.File, because the readiness and completion
// transports (epoll, AIO, io_uring) need to observe EAGAIN directly and
// manage their own non-blocking state — mixing that with the runtime's own
// netpoller is not possible through the standard library's conn wrappers.
package xio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Outcome classifies the result of a syscall attempt so callers can tell
// a completed transfer, a would-block condition, a clean peer close, and
// a real error apart without re-deriving it from errno each time.
type Outcome int

const (
	// Done means the call completed (possibly partially); n is valid.
	Done Outcome = iota
	// WouldBlock means a non-blocking call returned EAGAIN/EWOULDBLOCK;
	// the caller must park and retry once the descriptor is ready again.
	WouldBlock
	// EOF means a socket read returned 0: the peer closed its write side.
	EOF
	// Failed means a real error occurred; err carries it.
	Failed
)

// Classify turns a syscall n/err pair into an Outcome, retrying EINTR
// internally is the caller's job (via the Retry helpers below) — Classify
// only interprets the result of a single already-completed attempt.
func Classify(n int, err error) (Outcome, int, error) {
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return WouldBlock, 0, nil
		}
		return Failed, 0, err
	}
	if n == 0 {
		return EOF, 0, nil
	}
	return Done, n, nil
}

// retryEINTR runs fn, silently retrying on EINTR: a signal interrupting a
// syscall is not a client-visible condition and must never surface as one.
func retryEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Recv performs one non-blocking-aware recv() call into buf. A partial
// result is normal; the caller tracks progress.
func Recv(fd int, buf []byte) (Outcome, int, error) {
	n, err := retryEINTR(func() (int, error) { return unix.Read(fd, buf) })
	return classifyAnd(n, err)
}

// SendFully loops send() over buf[:n]. In blocking mode it loops until all
// n bytes are sent or a real error occurs, silently retrying EINTR and
// EAGAIN (a blocking socket should not see EAGAIN, but a defensive retry
// costs nothing). In non-blocking mode, a short count or WouldBlock is
// returned immediately so the caller can park on EPOLLOUT and resume.
func SendFully(fd int, buf []byte, blocking bool) (Outcome, int, error) {
	sent := 0
	for sent < len(buf) {
		n, err := retryEINTR(func() (int, error) { return unix.Write(fd, buf[sent:]) })
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				if blocking {
					continue
				}
				if sent > 0 {
					return Done, sent, nil
				}
				return WouldBlock, 0, nil
			}
			return Failed, sent, err
		}
		sent += n
		if !blocking {
			// Non-blocking: a single successful partial write is
			// reported immediately; the state machine decides
			// whether to keep pumping or wait for EPOLLOUT.
			return Done, sent, nil
		}
	}
	return Done, sent, nil
}

// PreadAt issues one positional read at offset, sized up to len(buf).
// Partial results are normal; the caller advances its own offset by
// exactly what is returned.
func PreadAt(fd int, buf []byte, offset int64) (Outcome, int, error) {
	n, err := retryEINTR(func() (int, error) { return unix.Pread(fd, buf, offset) })
	return classifyAnd(n, err)
}

// WriteFully writes buf[:n] to fd at offset via pwrite, first rounding n up
// to the next BlockSize multiple because fd was opened O_DIRECT. The
// caller must have zero-padded buf between the true data end and the
// rounded length. Partial pwrites are retried until the rounded length is
// fully written or a real error occurs.
func WriteFully(fd int, buf []byte, n int, offset int64, blockSize int) (int, error) {
	rounded := roundUp(n, blockSize)
	written := 0
	for written < rounded {
		k, err := retryEINTR(func() (int, error) {
			return unix.Pwrite(fd, buf[written:rounded], offset+int64(written))
		})
		if err != nil {
			return written, err
		}
		if k == 0 {
			return written, unix.EIO
		}
		written += k
	}
	return written, nil
}

func roundUp(n, block int) int {
	if n%block == 0 {
		return n
	}
	return (n/block + 1) * block
}

func classifyAnd(n int, err error) (Outcome, int, error) {
	return Classify(n, err)
}
