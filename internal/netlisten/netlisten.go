// Package netlisten builds the server's listening socket for every
// transport. The blocking, process-per-connection and thread-per-connection
// transports are happy with a standard net.Listener (valyala/tcplisten adds
// SO_REUSEPORT and a configurable backlog on top of it); the readiness and
// completion transports (epoll, AIO, io_uring) need to own a raw
// non-blocking descriptor directly, bypassing the runtime netpoller
// entirely, so they get their socket built by hand from the same option
// set tcplisten itself applies.
package netlisten

import (
	"fmt"
	"net"

	"github.com/valyala/tcplisten"
	"golang.org/x/sys/unix"
)

// Config describes how the listening socket should be built, shared by
// both constructors below.
type Config struct {
	Addr      string
	Backlog   int
	ReusePort bool
}

// Listen builds a net.Listener for the blocking/process/thread transports.
func Listen(cfg Config) (net.Listener, error) {
	tc := tcplisten.Config{
		ReusePort: cfg.ReusePort,
		Backlog:   cfg.Backlog,
	}
	return tc.NewListener("tcp4", cfg.Addr)
}

// ListenRawFD builds a raw, non-blocking listening socket for the
// readiness/completion transports (epoll, AIO, io_uring), which manage
// their descriptors entirely outside the Go runtime's netpoller. The
// socket option set mirrors valyala/tcplisten's fdSetup exactly (SO_REUSEADDR,
// TCP_NODELAY on accepted conns, optional SO_REUSEPORT) so all six
// transports present an identical listener to a client.
func ListenRawFD(cfg Config) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp4", cfg.Addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("netlisten: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netlisten: SO_REUSEADDR: %w", err)
	}
	if cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("netlisten: SO_REUSEPORT: %w", err)
		}
	}

	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netlisten: bind %q: %w", cfg.Addr, err)
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netlisten: listen: %w", err)
	}

	return fd, nil
}

// SetNonBlockingNoDelay applies TCP_NODELAY and marks fd non-blocking,
// matching the per-accepted-connection setup tcplisten applies implicitly
// through net.Listener for the raw-fd transports' accepted sockets.
func SetNonBlockingNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("netlisten: TCP_NODELAY: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("netlisten: set non-blocking: %w", err)
	}
	return nil
}
