// Package aio implements a readiness-loop-plus-kernel-AIO transport:
// sockets are still driven by epoll readiness exactly as in
// internal/transport/epoll, but file reads and writes are submitted to a
// Linux AIO context and resumed from an eventfd completion notification
// instead of being performed inline.
package aio

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

// BatchSize bounds how many AIO submissions accumulate before a forced
// io_submit flush.
const BatchSize = 1024

// MaxEvents bounds both epoll_wait and io_getevents batch sizes.
const MaxEvents = 1024

type opKind int

const (
	opNone opKind = iota
	opRead
	opWrite
)

type conn struct {
	fd      int
	m       *connstate.Machine
	buf     *buffer.Aligned
	pending opKind
}

// Server runs the epoll+AIO loop.
type Server struct {
	ListenFD int
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger

	epfd      int
	eventFD   int
	ctx       aioContext
	conns     map[int]*conn
	submitBuf []*iocb
}

// Serve runs the loop until a fatal error occurs.
func (s *Server) Serve() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	s.epfd = epfd

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}
	s.eventFD = efd

	ctx, err := ioSetup(MaxEvents)
	if err != nil {
		return err
	}
	s.ctx = ctx
	defer s.ctx.destroy()

	s.conns = make(map[int]*conn)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.ListenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(s.ListenFD),
	}); err != nil {
		return err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(efd),
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
			switch fd {
			case s.ListenFD:
				s.acceptAll()
			case s.eventFD:
				s.drainCompletions()
			default:
				if c, ok := s.conns[fd]; ok {
					s.driveSocket(c)
				}
			}
		}
		s.flushSubmissions()
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
		log := obslog.ForConn(s.Log, "aio", fd)
		m := connstate.New(fd, buf, connstate.FileOpener{NonBlocking: true}, s.Resolver, log)
		c := &conn{fd: fd, m: m, buf: buf}
		s.conns[fd] = c

		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd),
		}); err != nil {
			s.teardown(c)
		}
	}
}

// driveSocket pumps socket-side actions via epoll readiness, same as the
// plain epoll transport, but hands file actions off to submitFileOp
// instead of performing them inline.
func (s *Server) driveSocket(c *conn) {
	log := obslog.ForConn(s.Log, "aio", c.fd)
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
			target, offset := c.m.FileReadTarget()
			s.submitBuf = append(s.submitBuf, newPreadIOCB(c.m.FileFD, target, offset, uint64(c.fd), s.eventFD))
			c.pending = opRead
			if len(s.submitBuf) >= BatchSize {
				s.flushSubmissions()
			}
			return

		case connstate.ActionFileWrite:
			buf, n, offset := c.m.FileWriteSource()
			rounded := buffer.RoundUpBlock(n)
			s.submitBuf = append(s.submitBuf, newPwriteIOCB(c.m.FileFD, buf[:rounded], offset, uint64(c.fd), s.eventFD))
			c.pending = opWrite
			if len(s.submitBuf) >= BatchSize {
				s.flushSubmissions()
			}
			return

		default:
			s.teardown(c)
			return
		}
	}
}

func (s *Server) flushSubmissions() {
	if len(s.submitBuf) == 0 {
		return
	}
	_, _ = s.ctx.submit(s.submitBuf)
	s.submitBuf = s.submitBuf[:0]
}

// drainCompletions reads the eventfd counter (clearing its readiness) and
// then drains every completed AIO event, resuming each connection's
// machine with the byte count (or error) the kernel reports.
func (s *Server) drainCompletions() {
	var counter [8]byte
	unix.Read(s.eventFD, counter[:])

	events := make([]ioEvent, MaxEvents)
	n, err := s.ctx.getEvents(events)
	if err != nil || n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.data)
		c, ok := s.conns[fd]
		if !ok {
			continue
		}
		log := obslog.ForConn(s.Log, "aio", fd)

		var res connstate.Result
		var stepErr error
		var n int
		var opErr error
		if ev.res < 0 {
			opErr = unix.Errno(uintptr(-ev.res))
		} else {
			n = int(ev.res)
		}

		switch c.pending {
		case opRead:
			res, stepErr = c.m.OnFileRead(n, opErr)
		case opWrite:
			res, stepErr = c.m.OnFileWrite(n, opErr)
		default:
			continue
		}
		c.pending = opNone
		if stepErr != nil {
			log.WithError(stepErr).Debug("aio completion step error")
		}
		if res != connstate.Alive {
			s.teardown(c)
			continue
		}
		s.driveSocket(c)
	}
	if n == len(events) {
		// A full batch may leave completions queued that will not signal
		// the eventfd again.
		s.drainCompletions()
	}
}

func (s *Server) rearm(c *conn, events uint32) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: events | unix.EPOLLET, Fd: int32(c.fd),
	})
}

func (s *Server) teardown(c *conn) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	delete(s.conns, c.fd)
	connio.Teardown(s.Pool, c.buf, c.fd, c.m.FileFD)
}
