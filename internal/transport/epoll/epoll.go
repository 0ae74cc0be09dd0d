// Package epoll implements the single-threaded readiness event loop: the
// listener and every client socket are registered edge-triggered; on a
// readiness event the loop drives the shared connstate.Machine with
// non-blocking syscalls until it would block, then re-arms interest in
// exactly the direction the machine now needs.
package epoll

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/connio"
	"github.com/blockserve/blockserve/internal/connstate"
	"github.com/blockserve/blockserve/internal/netlisten"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/xio"
)

// MaxEvents bounds how many ready descriptors a single epoll_wait call
// returns.
const MaxEvents = 1024

type conn struct {
	fd  int
	m   *connstate.Machine
	buf *buffer.Aligned
}

// Server runs the edge-triggered epoll loop against one raw listening fd.
type Server struct {
	ListenFD int
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger

	epfd  int
	conns map[int]*conn
}

// Serve runs the loop until epoll_wait fails fatally.
func (s *Server) Serve() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	s.epfd = epfd
	s.conns = make(map[int]*conn)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.ListenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(s.ListenFD),
	}); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, MaxEvents)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == s.ListenFD {
				s.acceptAll()
				continue
			}
			c, ok := s.conns[fd]
			if !ok {
				continue
			}
			s.drive(c)
		}
	}
}

func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.ListenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		if err := netlisten.SetNonBlockingNoDelay(fd); err != nil {
			unix.Close(fd)
			continue
		}

		buf := s.Pool.Get()
		log := obslog.ForConn(s.Log, "epoll", fd)
		m := connstate.New(fd, buf, connstate.FileOpener{NonBlocking: true}, s.Resolver, log)
		c := &conn{fd: fd, m: m, buf: buf}
		s.conns[fd] = c

		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET,
			Fd:     int32(fd),
		}); err != nil {
			s.teardown(c)
			continue
		}
	}
}

// drive pumps the machine with non-blocking syscalls until it parks on
// would-block or reaches a terminal result, then re-arms epoll interest
// for whatever direction (if any) it now needs.
func (s *Server) drive(c *conn) {
	log := obslog.ForConn(s.Log, "epoll", c.fd)
	for {
		switch c.m.NextAction() {
		case connstate.ActionRecv:
			outcome, n, err := xio.Recv(c.m.ClientFD, c.m.RecvTarget())
			if outcome == xio.WouldBlock {
				s.rearm(c, unix.EPOLLIN)
				return
			}
			res, stepErr := c.m.OnRecv(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("recv step error")
			}
			if res != connstate.Alive {
				s.teardown(c)
				return
			}

		case connstate.ActionSend:
			outcome, n, err := xio.SendFully(c.m.ClientFD, c.m.SendSource(), false)
			if outcome == xio.WouldBlock {
				s.rearm(c, unix.EPOLLOUT)
				return
			}
			res, stepErr := c.m.OnSend(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("send step error")
			}
			if res != connstate.Alive {
				s.teardown(c)
				return
			}

		case connstate.ActionFileRead:
			// Regular files are not epoll-monitorable; the read always
			// runs inline regardless of the O_NONBLOCK flag set on fd.
			target, offset := c.m.FileReadTarget()
			_, n, err := xio.PreadAt(c.m.FileFD, target, offset)
			res, stepErr := c.m.OnFileRead(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("file read step error")
			}
			if res != connstate.Alive {
				s.teardown(c)
				return
			}

		case connstate.ActionFileWrite:
			buf, n, offset := c.m.FileWriteSource()
			written, err := xio.WriteFully(c.m.FileFD, buf, n, offset, buffer.BlockSize)
			res, stepErr := c.m.OnFileWrite(written, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("file write step error")
			}
			if res != connstate.Alive {
				s.teardown(c)
				return
			}

		default:
			s.teardown(c)
			return
		}
	}
}

// rearm re-registers interest in exactly one direction, never both at
// once: a connection is always waiting on either a read or a write, never
// both, so there is never an ambiguity about which side woke it up.
func (s *Server) rearm(c *conn, events uint32) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: events | unix.EPOLLET,
		Fd:     int32(c.fd),
	})
}

func (s *Server) teardown(c *conn) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	delete(s.conns, c.fd)
	connio.Teardown(s.Pool, c.buf, c.fd, c.m.FileFD)
}
