// Package blocking implements the single-threaded blocking transport: one
// connection is driven to completion before the next is accepted. Every
// socket and file syscall may block; the connstate.Machine pump simply
// loops until the machine goes terminal.
package blocking

import (
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/connio"
	"github.com/blockserve/blockserve/internal/connstate"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/xio"
)

// Server drives one connection at a time off a net.Listener.
type Server struct {
	Listener net.Listener
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger
}

// Serve accepts connections in a loop and runs each to completion before
// accepting the next. It only returns when Accept fails fatally.
func (s *Server) Serve() error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		conn.Close()
		return
	}

	var fd int
	raw.Control(func(fdv uintptr) { fd = int(fdv) })
	dupFD, err := unix.Dup(fd)
	conn.Close() // the Go *net.TCPConn wrapper is no longer needed once we hold our own fd
	if err != nil {
		return
	}

	buf := s.Pool.Get()
	log := obslog.ForConn(s.Log, "blocking", dupFD)
	m := connstate.New(dupFD, buf, connstate.FileOpener{NonBlocking: false}, s.Resolver, log)

	pump(m, log)

	connio.Teardown(s.Pool, buf, dupFD, m.FileFD)
}

// pump drives m to a terminal result using blocking syscalls throughout —
// the shape every subsequent transport's non-blocking pump specializes.
func pump(m *connstate.Machine, log *logrus.Entry) {
	for {
		switch m.NextAction() {
		case connstate.ActionRecv:
			_, n, err := xio.Recv(m.ClientFD, m.RecvTarget())
			res, stepErr := m.OnRecv(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("recv step error")
			}
			if res != connstate.Alive {
				return
			}

		case connstate.ActionSend:
			_, n, err := xio.SendFully(m.ClientFD, m.SendSource(), true)
			res, stepErr := m.OnSend(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("send step error")
			}
			if res != connstate.Alive {
				return
			}

		case connstate.ActionFileRead:
			target, offset := m.FileReadTarget()
			_, n, err := xio.PreadAt(m.FileFD, target, offset)
			res, stepErr := m.OnFileRead(n, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("file read step error")
			}
			if res != connstate.Alive {
				return
			}

		case connstate.ActionFileWrite:
			buf, n, offset := m.FileWriteSource()
			written, err := xio.WriteFully(m.FileFD, buf, n, offset, buffer.BlockSize)
			res, stepErr := m.OnFileWrite(written, err)
			if stepErr != nil {
				log.WithError(stepErr).Debug("file write step error")
			}
			if res != connstate.Alive {
				return
			}

		default:
			return
		}
	}
}
