// Package process implements a process-per-connection-style transport:
// conceptually, the listener accepts, forks, the parent closes its copy of
// the client socket and goes back to accepting, and the child closes its
// copy of the listener and runs the connection to completion before
// exiting.
//
// Go cannot fork a running multi-threaded process and continue executing
// Go code in the child the way a classic C server does (the runtime's
// goroutine scheduler and GC do not survive a bare fork()); the child
// side of a fork may only safely exec. This is therefore adapted rather
// than implemented literally: each accepted connection is dispatched to
// its own OS thread pinned with runtime.LockOSThread, which gives the
// same "one execution context per connection, no shared mutable state
// between them" isolation without requiring an unsafe fork+continue.
// SIGCHLD handling (reaping child processes) accordingly has no
// counterpart here — there are no child processes to reap.
package process

import (
	"net"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/connio"
	"github.com/blockserve/blockserve/internal/connstate"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/xio"

	"golang.org/x/sync/errgroup"
)

// MaxPendingAccepts bounds how many queued connections a single outer-loop
// iteration will drain before dispatching them, amortizing scheduling cost
// across a burst of simultaneous connects.
const MaxPendingAccepts = 2048

// Server dispatches each accepted connection to its own goroutine running
// on a locked OS thread.
type Server struct {
	Listener net.Listener
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger
}

// Serve accepts connections forever. Each outer iteration blocks for the
// first connection, then briefly drains any further connections already
// queued in the kernel backlog (up to MaxPendingAccepts) by giving Accept
// a near-zero deadline, so a burst of simultaneous clients is dispatched
// as one batch of isolated worker contexts instead of serially.
func (s *Server) Serve() error {
	tl, hasDeadline := s.Listener.(interface {
		SetDeadline(t time.Time) error
	})

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		var g errgroup.Group
		g.Go(func() error {
			s.handle(conn)
			return nil
		})

		if hasDeadline {
			for drained := 1; drained < MaxPendingAccepts; drained++ {
				_ = tl.SetDeadline(time.Now().Add(time.Millisecond))
				c, err := s.Listener.Accept()
				if err != nil {
					break
				}
				g.Go(func() error {
					s.handle(c)
					return nil
				})
			}
			_ = tl.SetDeadline(time.Time{})
		}

		_ = g.Wait()
	}
}

func (s *Server) handle(conn net.Conn) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

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
	conn.Close()
	if err != nil {
		return
	}

	buf := s.Pool.Get()
	log := obslog.ForConn(s.Log, "process", dupFD)
	m := connstate.New(dupFD, buf, connstate.FileOpener{NonBlocking: false}, s.Resolver, log)

	pump(m, log)

	connio.Teardown(s.Pool, buf, dupFD, m.FileFD)
}

func pump(m *connstate.Machine, log *logrus.Entry) {
	for {
		switch m.NextAction() {
		case connstate.ActionRecv:
			_, n, err := xio.Recv(m.ClientFD, m.RecvTarget())
			if res, stepErr := m.OnRecv(n, err); stepErr != nil || res != connstate.Alive {
				if stepErr != nil {
					log.WithError(stepErr).Debug("recv step error")
				}
				if res != connstate.Alive {
					return
				}
			}

		case connstate.ActionSend:
			_, n, err := xio.SendFully(m.ClientFD, m.SendSource(), true)
			if res, stepErr := m.OnSend(n, err); stepErr != nil || res != connstate.Alive {
				if stepErr != nil {
					log.WithError(stepErr).Debug("send step error")
				}
				if res != connstate.Alive {
					return
				}
			}

		case connstate.ActionFileRead:
			target, offset := m.FileReadTarget()
			_, n, err := xio.PreadAt(m.FileFD, target, offset)
			if res, stepErr := m.OnFileRead(n, err); stepErr != nil || res != connstate.Alive {
				if stepErr != nil {
					log.WithError(stepErr).Debug("file read step error")
				}
				if res != connstate.Alive {
					return
				}
			}

		case connstate.ActionFileWrite:
			buf, n, offset := m.FileWriteSource()
			written, err := xio.WriteFully(m.FileFD, buf, n, offset, buffer.BlockSize)
			if res, stepErr := m.OnFileWrite(written, err); stepErr != nil || res != connstate.Alive {
				if stepErr != nil {
					log.WithError(stepErr).Debug("file write step error")
				}
				if res != connstate.Alive {
					return
				}
			}

		default:
			return
		}
	}
}
