// Package thread implements a thread-per-connection-style transport: each
// accepted connection is handed to a dedicated goroutine pinned to its
// own OS thread with runtime.LockOSThread, which owns its buffer and
// state machine and frees both on exit — the nearest Go analogue of a
// detached thread per connection (a goroutine cannot be "joined" or
// "detached" in the pthread sense, but locking it to an OS thread for its
// lifetime gives the same one-execution-context-per-connection isolation).
//
// The dispatch pool itself is adapted from valyala/fasthttp's workerPool
// (workerpool.go): a LIFO stack of reusable worker channels so the most
// recently idle worker — and the CPU cache lines behind it — serves the
// next connection first, with idle workers above MaxIdleWorkerDuration
// retired by a periodic sweep.
package thread

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/connio"
	"github.com/blockserve/blockserve/internal/connstate"
	"github.com/blockserve/blockserve/internal/obslog"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/xio"
)

// MaxPendingAccepts bounds the bounded accept-batch drain per outer loop
// iteration, same rationale as internal/transport/process.
const MaxPendingAccepts = 2048

// Server dispatches each accepted connection to a pooled, OS-thread-locked
// worker goroutine.
type Server struct {
	Listener net.Listener
	Pool     *buffer.Pool
	Resolver pathmap.Resolver
	Log      *logrus.Logger

	MaxWorkers            int
	MaxIdleWorkerDuration time.Duration

	pool workerPool
}

// Serve starts the worker pool and accepts connections until Accept fails
// fatally.
func (s *Server) Serve() error {
	s.pool = workerPool{
		maxWorkers:            s.MaxWorkers,
		maxIdleWorkerDuration: s.MaxIdleWorkerDuration,
		dispatch:              s.handle,
	}
	s.pool.start()
	defer s.pool.stop()

	tl, hasDeadline := s.Listener.(interface {
		SetDeadline(t time.Time) error
	})

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		s.pool.serve(conn)

		if hasDeadline {
			for drained := 1; drained < MaxPendingAccepts; drained++ {
				_ = tl.SetDeadline(time.Now().Add(time.Millisecond))
				c, err := s.Listener.Accept()
				if err != nil {
					break
				}
				s.pool.serve(c)
			}
			_ = tl.SetDeadline(time.Time{})
		}
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
	log := obslog.ForConn(s.Log, "thread", dupFD)
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

// workerPool is valyala/fasthttp's workerPool (workerpool.go), generalized
// from net.Conn-specific ServeHandler/ConnState plumbing to a plain
// func(net.Conn) dispatch callback.
type workerPool struct {
	workerChanPool sync.Pool

	ready      workerChanStack
	dispatch   func(net.Conn)

	stopCh chan struct{}

	maxWorkers            int
	maxIdleWorkerDuration time.Duration

	workersCount int32
	mustStop     atomic.Bool
}

type workerChan struct {
	next        *workerChan
	ch          chan net.Conn
	lastUseTime int64
}

type workerChanStack struct {
	head, tail *workerChan
	mu         sync.Mutex
}

func (s *workerChanStack) push(ch *workerChan) {
	s.mu.Lock()
	ch.next = s.head
	s.head = ch
	if s.tail == nil {
		s.tail = ch
	}
	s.mu.Unlock()
}

func (s *workerChanStack) pop() *workerChan {
	s.mu.Lock()
	head := s.head
	if head == nil {
		s.mu.Unlock()
		return nil
	}
	s.head = head.next
	if s.head == nil {
		s.tail = nil
	}
	s.mu.Unlock()
	return head
}

const workerChanCap = 1

func (wp *workerPool) start() {
	if wp.stopCh != nil {
		return
	}
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	wp.workerChanPool.New = func() any {
		return &workerChan{ch: make(chan net.Conn, workerChanCap)}
	}
	go func() {
		for {
			wp.clean()
			select {
			case <-stopCh:
				return
			default:
				time.Sleep(wp.idleDuration())
			}
		}
	}()
}

func (wp *workerPool) stop() {
	if wp.stopCh == nil {
		return
	}
	close(wp.stopCh)
	wp.stopCh = nil
	for {
		ch := wp.ready.pop()
		if ch == nil {
			break
		}
		ch.ch <- nil
	}
	wp.mustStop.Store(true)
}

func (wp *workerPool) idleDuration() time.Duration {
	if wp.maxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.maxIdleWorkerDuration
}

func (wp *workerPool) clean() {
	criticalTime := time.Now().Add(-wp.idleDuration()).UnixNano()
	for {
		ch := wp.ready.pop()
		if ch == nil {
			return
		}
		if ch.lastUseTime >= criticalTime {
			wp.ready.push(ch)
			return
		}
		ch.ch <- nil
		wp.workerChanPool.Put(ch)
	}
}

func (wp *workerPool) serve(c net.Conn) bool {
	ch := wp.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- c
	return true
}

func (wp *workerPool) getCh() *workerChan {
	ch := wp.ready.pop()
	if ch == nil {
		max := wp.maxWorkers
		if max <= 0 {
			max = 1 << 20
		}
		if atomic.LoadInt32(&wp.workersCount) >= int32(max) {
			return nil
		}
		atomic.AddInt32(&wp.workersCount, 1)
		vch := wp.workerChanPool.Get()
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	return ch
}

func (wp *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now().UnixNano()
	if wp.mustStop.Load() {
		return false
	}
	wp.ready.push(ch)
	return true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	for c := range ch.ch {
		if c == nil {
			break
		}
		wp.dispatch(c)
		if !wp.release(ch) {
			break
		}
	}
	atomic.AddInt32(&wp.workersCount, -1)
}
