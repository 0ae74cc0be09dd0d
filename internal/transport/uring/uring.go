//go:build linux && amd64

// Package uring implements the completion-ring transport: every socket
// and file operation — accept, recv, send, read, write — is submitted as
// a submission queue entry carrying the connection's fd as user data and
// a last-op tag disambiguating which side a completion resumes. The
// adapter waits on the completion queue, handling one completion per loop
// iteration, instead of epoll.
package uring

import (
	"github.com/sirupsen/logrus"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/connio"
	"github.com/blockserve/blockserve/internal/connstate"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
)

// QueueDepth is the submission queue depth, with or without SQPOLL.
const QueueDepth = 8192

// PreSeedAccepts is how many accept SQEs are kept in flight at once so the
// listener is always armed.
const PreSeedAccepts = 4

// acceptUserData marks an in-flight accept SQE's user_data so completion
// dispatch can tell it apart from a client fd (fds are always small
// non-negative integers, well below this bit).
const acceptUserData = uint64(1) << 63

type lastOp int

const (
	opNone lastOp = iota
	opRecv
	opSend
	opRead
	opWrite
)

type conn struct {
	fd   int
	m    *connstate.Machine
	buf  *buffer.Aligned
	last lastOp
}

// Server runs the io_uring completion loop.
type Server struct {
	ListenFD int
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger
	SQPoll   bool

	ring  *Ring
	conns map[int]*conn

	// starved holds connections whose submitNext found the submission
	// queue full; they carry no outstanding SQE, so nothing would ever
	// wake them again unless the completion loop retries them itself
	// once a slot frees up.
	starved []*conn
}

// Serve sets up the ring, pre-seeds accepts, and runs the completion loop
// until WaitCQE fails fatally.
func (s *Server) Serve() error {
	ring, err := NewRing(QueueDepth, s.SQPoll)
	if err != nil {
		return err
	}
	s.ring = ring
	defer ring.Close()
	s.conns = make(map[int]*conn)

	for i := 0; i < PreSeedAccepts; i++ {
		s.submitAccept()
	}
	if _, err := s.ring.Submit(); err != nil {
		return err
	}

	for {
		cqe, err := s.ring.WaitCQE()
		if err != nil {
			return err
		}
		userData := cqe.UserData
		res := cqe.Res
		s.ring.AdvanceCQ()

		if userData&acceptUserData != 0 {
			s.onAcceptComplete(res)
		} else if c, ok := s.conns[int(userData)]; ok {
			s.onOpComplete(c, res)
		}
		s.drainStarved()

		if _, err := s.ring.Submit(); err != nil {
			return err
		}
	}
}

// drainStarved retries connections that found the submission queue full
// the last time they tried to submit. Each successful retry consumes
// exactly one queue slot, so this terminates as soon as either the
// starved list empties or the queue is full again.
func (s *Server) drainStarved() {
	for len(s.starved) > 0 && s.ring.PeekSQE() != nil {
		c := s.starved[0]
		s.starved = s.starved[1:]
		s.submitNext(c)
	}
}

func (s *Server) submitAccept() {
	sqe := s.ring.PeekSQE()
	if sqe == nil {
		return
	}
	sqe.Opcode = OpAccept
	sqe.Fd = int32(s.ListenFD)
	sqe.UserData = acceptUserData
	s.ring.AdvanceSQ()
}

func (s *Server) onAcceptComplete(res int32) {
	// Re-arm immediately so the listener is never left unarmed, matching
	// "a second accept entry is submitted on accept-completion".
	s.submitAccept()

	if res < 0 {
		return
	}
	fd := int(res)

	buf := s.Pool.Get()
	log := obslog.ForConn(s.Log, "uring", fd)
	m := connstate.New(fd, buf, connstate.FileOpener{NonBlocking: true}, s.Resolver, log)
	c := &conn{fd: fd, m: m, buf: buf}
	s.conns[fd] = c

	s.submitNext(c)
}

// onOpComplete resumes the machine with the result of whichever operation
// c.last tagged, then submits whatever the machine now needs next.
func (s *Server) onOpComplete(c *conn, res int32) {
	log := obslog.ForConn(s.Log, "uring", c.fd)

	var n int
	var opErr error
	if res < 0 {
		opErr = errnoFromRes(res)
	} else {
		n = int(res)
	}

	var result connstate.Result
	var stepErr error
	switch c.last {
	case opRecv:
		result, stepErr = c.m.OnRecv(n, opErr)
	case opSend:
		result, stepErr = c.m.OnSend(n, opErr)
	case opRead:
		result, stepErr = c.m.OnFileRead(n, opErr)
	case opWrite:
		result, stepErr = c.m.OnFileWrite(n, opErr)
	default:
		return
	}
	c.last = opNone
	if stepErr != nil {
		log.WithError(stepErr).Debug("uring completion step error")
	}
	if result != connstate.Alive {
		s.teardown(c)
		return
	}
	s.submitNext(c)
}

// submitNext inspects the machine's NextAction and submits the matching
// SQE, tagging c.last so the eventual completion resumes correctly.
func (s *Server) submitNext(c *conn) {
	sqe := s.ring.PeekSQE()
	if sqe == nil {
		// Ring momentarily full; the machine's state is untouched, but c
		// has no SQE in flight, so nothing will complete for it and call
		// submitNext again on its own. Queue it so drainStarved retries
		// it once a later completion frees up submission room.
		s.starved = append(s.starved, c)
		return
	}
	sqe.UserData = uint64(c.fd)

	switch c.m.NextAction() {
	case connstate.ActionRecv:
		target := c.m.RecvTarget()
		sqe.Opcode = OpRecv
		sqe.Fd = int32(c.fd)
		sqe.Addr = bufAddr(target)
		sqe.Len = uint32(len(target))
		c.last = opRecv

	case connstate.ActionSend:
		src := c.m.SendSource()
		sqe.Opcode = OpSend
		sqe.Fd = int32(c.fd)
		sqe.Addr = bufAddr(src)
		sqe.Len = uint32(len(src))
		c.last = opSend

	case connstate.ActionFileRead:
		target, offset := c.m.FileReadTarget()
		sqe.Opcode = OpRead
		sqe.Fd = int32(c.m.FileFD)
		sqe.Addr = bufAddr(target)
		sqe.Len = uint32(len(target))
		sqe.Off = uint64(offset)
		c.last = opRead

	case connstate.ActionFileWrite:
		buf, n, offset := c.m.FileWriteSource()
		rounded := buffer.RoundUpBlock(n)
		sqe.Opcode = OpWrite
		sqe.Fd = int32(c.m.FileFD)
		sqe.Addr = bufAddr(buf[:rounded])
		sqe.Len = uint32(rounded)
		sqe.Off = uint64(offset)
		c.last = opWrite

	default:
		// *sqe was already reset by PeekSQE; undo the reservation by
		// not advancing the tail, then tear down.
		s.teardown(c)
		return
	}

	s.ring.AdvanceSQ()
}

func (s *Server) teardown(c *conn) {
	delete(s.conns, c.fd)
	connio.Teardown(s.Pool, c.buf, c.fd, c.m.FileFD)
}
