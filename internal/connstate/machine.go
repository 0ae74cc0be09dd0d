// Package connstate implements the per-connection request/transfer state
// machine shared by all six transport adapters.
//
// The machine never performs I/O itself. Each transport drives it by
// calling NextAction to learn what operation is pending, performing that
// operation however fits its scheduling model (a blocking syscall, a
// non-blocking syscall that may return EAGAIN, or a submission whose
// result arrives later from an AIO/io_uring completion queue), and
// reporting the outcome back through the matching On* method. Expressing
// this as an explicit state machine, rather than a channel of event
// values, lets completion-based transports hold the machine mid-action
// across an arbitrary delay.
package connstate

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/pathmap"
	"github.com/blockserve/blockserve/internal/reqlex"
	"github.com/blockserve/blockserve/internal/respframe"
)

// State is the connection's current position in the protocol. It is a
// tagged enum, not a flat integer with scattered flag fields: the states
// that need network input and the states that need a file completion are
// distinct values, so a transport can never confuse which readiness
// direction or completion queue a connection is parked on.
type State int

const (
	// StateReadingHeader accumulates bytes from the socket until the
	// end-of-headers sentinel is seen.
	StateReadingHeader State = iota
	// StateSendingPending flushes m.pending (a response preamble or a
	// terminal status response) to the client socket.
	StateSendingPending
	// StateGetNeedRead needs a file read to refill the buffer for a GET
	// in progress.
	StateGetNeedRead
	// StateGetNeedSend has buffered file bytes and needs to push them to
	// the client.
	StateGetNeedSend
	// StatePutNeedRecv needs more body bytes from the client.
	StatePutNeedRecv
	// StatePutNeedWrite has buffered body bytes and needs to flush them
	// to the file.
	StatePutNeedWrite
	// StateClosed is terminal: the connection ended normally.
	StateClosed
	// StateError is terminal: an internal failure occurred.
	StateError
)

func (s State) String() string {
	switch s {
	case StateReadingHeader:
		return "READING_HEADER"
	case StateSendingPending:
		return "SENDING_PENDING"
	case StateGetNeedRead:
		return "GET_NEED_READ"
	case StateGetNeedSend:
		return "GET_NEED_SEND"
	case StatePutNeedRecv:
		return "PUT_NEED_RECV"
	case StatePutNeedWrite:
		return "PUT_NEED_WRITE"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Result is the three-way outcome every On* callback resolves to.
type Result int

const (
	// Alive means keep driving the machine; call NextAction again.
	Alive Result = iota
	// Closed is an orderly end: a response was already sent, or the
	// peer closed cleanly at a point that does not indicate an error.
	Closed
	// Error is a failure. After a file-side failure the 500 response has
	// already been flushed from the pending buffer when Error is returned;
	// a failed socket operation returns Error at once, with no response
	// staged for the client.
	Error
)

// Action names the next operation a transport must perform.
type Action int

const (
	// ActionNone means the machine is terminal; do not call NextAction
	// again. Tear the connection down.
	ActionNone Action = iota
	ActionRecv
	ActionSend
	ActionFileRead
	ActionFileWrite
)

// Opener performs the synchronous file-open side effect that every one of
// the six transports does inline regardless of its socket I/O model (even
// the io_uring variants in the original source open() files synchronously
// rather than submitting an async open). Each transport supplies an
// Opener that adds O_NONBLOCK when its socket model requires it.
type Opener interface {
	// OpenGet opens path read-only with O_DIRECT and reports its size.
	OpenGet(path string) (fd int, size int64, err error)
	// OpenPut opens path O_WRONLY|O_CREAT|O_TRUNC|O_DIRECT, mode 0644.
	OpenPut(path string) (fd int, err error)
}

// Machine is the per-connection request/transfer state machine.
type Machine struct {
	ClientFD int
	FileFD   int

	FileSize   int64
	ByteOffset int64

	Buf *buffer.Aligned

	// BufLen is the number of resident bytes in Buf.B[:BufLen].
	BufLen int
	// UtilOffset tracks how much of BufLen has already been consumed by
	// the socket side: send progress for GET, unused for PUT (PUT always
	// flushes its whole resident buffer in one WriteFully call).
	UtilOffset int

	Method reqlex.Method
	Target string

	state State

	pending     []byte
	pendingSent int
	afterPending State
	terminal     Result

	opener   Opener
	resolver pathmap.Resolver

	log *logrus.Entry
}

// New creates a fresh machine in StateReadingHeader; every connection
// starts by accumulating request-header bytes.
func New(clientFD int, buf *buffer.Aligned, opener Opener, resolver pathmap.Resolver, log *logrus.Entry) *Machine {
	return &Machine{
		ClientFD: clientFD,
		FileFD:   -1,
		Buf:      buf,
		state:    StateReadingHeader,
		opener:   opener,
		resolver: resolver,
		log:      log,
	}
}

// State reports the current state.
func (m *Machine) State() State { return m.state }

// NextAction reports what the transport must do to advance the machine.
func (m *Machine) NextAction() Action {
	switch m.state {
	case StateReadingHeader, StatePutNeedRecv:
		return ActionRecv
	case StateSendingPending, StateGetNeedSend:
		return ActionSend
	case StateGetNeedRead:
		return ActionFileRead
	case StatePutNeedWrite:
		return ActionFileWrite
	default:
		return ActionNone
	}
}

// RecvTarget returns the buffer region a transport should recv() into next,
// valid only when NextAction() == ActionRecv.
func (m *Machine) RecvTarget() []byte {
	return m.Buf.B[m.BufLen:]
}

// SendSource returns the bytes a transport should send() next, taken from
// the pending-response buffer or from the file-data buffer depending on
// the state, valid only when NextAction() == ActionSend.
func (m *Machine) SendSource() []byte {
	if m.state == StateSendingPending {
		return m.pending[m.pendingSent:]
	}
	return m.Buf.B[m.UtilOffset:m.BufLen]
}

// FileReadTarget returns the buffer region and file offset for the next
// pread, valid only when NextAction() == ActionFileRead.
func (m *Machine) FileReadTarget() (buf []byte, offset int64) {
	remaining := m.FileSize - m.ByteOffset
	n := int64(len(m.Buf.B))
	if remaining < n {
		n = remaining
	}
	return m.Buf.B[:n], m.ByteOffset
}

// FileWriteSource returns the buffer bytes and file offset for the next
// pwrite, valid only when NextAction() == ActionFileWrite. The caller
// (transport) is responsible for rounding the write length up to
// buffer.BlockSize via xio.WriteFully; Buf is always zeroed past BufLen so
// the rounding pad is deterministic.
func (m *Machine) FileWriteSource() (buf []byte, n int, offset int64) {
	return m.Buf.B, m.BufLen, m.ByteOffset
}

// OnRecv reports the outcome of a recv/read attempt into RecvTarget().
func (m *Machine) OnRecv(n int, err error) (Result, error) {
	if err != nil {
		return m.failSocket(err)
	}
	if n == 0 {
		return m.onSocketEOF()
	}
	m.BufLen += n

	switch m.state {
	case StateReadingHeader:
		return m.onHeaderBytes()
	case StatePutNeedRecv:
		return m.onBodyBytes()
	default:
		return Error, fmt.Errorf("connstate: OnRecv in unexpected state %s", m.state)
	}
}

// OnSend reports the outcome of a send attempt of SendSource().
func (m *Machine) OnSend(n int, err error) (Result, error) {
	if err != nil {
		return m.failSocket(err)
	}
	switch m.state {
	case StateSendingPending:
		m.pendingSent += n
		if m.pendingSent < len(m.pending) {
			return Alive, nil
		}
		m.pending = nil
		m.pendingSent = 0
		if m.afterPending == StateClosed || m.afterPending == StateError {
			m.state = m.afterPending
			return m.terminal, nil
		}
		m.state = m.afterPending
		return Alive, nil

	case StateGetNeedSend:
		m.UtilOffset += n
		if m.UtilOffset < m.BufLen {
			return Alive, nil
		}
		m.BufLen = 0
		m.UtilOffset = 0
		if m.ByteOffset >= m.FileSize {
			m.state = StateClosed
			return Closed, nil
		}
		m.state = StateGetNeedRead
		return Alive, nil

	default:
		return Error, fmt.Errorf("connstate: OnSend in unexpected state %s", m.state)
	}
}

// OnFileRead reports the outcome of a pread attempt at FileReadTarget().
func (m *Machine) OnFileRead(n int, err error) (Result, error) {
	if err != nil {
		m.log.WithError(err).Error("file read failed")
		return m.respondAndClose(respframe.StatusInternalServerError, "Error reading file.", Error)
	}
	m.ByteOffset += int64(n)
	m.BufLen = n
	m.UtilOffset = 0
	m.state = StateGetNeedSend
	return Alive, nil
}

// OnFileWrite reports the outcome of a (block-rounded) pwrite attempt at
// FileWriteSource(). written is the rounded byte count xio.WriteFully
// actually wrote.
func (m *Machine) OnFileWrite(written int, err error) (Result, error) {
	if err != nil {
		m.log.WithError(err).Error("file write failed")
		return m.respondAndClose(respframe.StatusInternalServerError, "Error writing to file.", Error)
	}
	m.ByteOffset += int64(written)
	m.BufLen = 0
	m.UtilOffset = 0
	if m.ByteOffset >= m.FileSize {
		return m.respondAndClose(respframe.StatusCreated, "File uploaded", Closed)
	}
	// Clear the flushed bytes so a shorter final chunk pads with zeros.
	m.Buf.Reset()
	m.state = StatePutNeedRecv
	return Alive, nil
}

func (m *Machine) onSocketEOF() (Result, error) {
	switch m.state {
	case StatePutNeedRecv:
		if m.ByteOffset+int64(m.BufLen) >= m.FileSize {
			// All body bytes are resident; flush and finish rather
			// than treating a subsequent EOF as an error.
			m.state = StatePutNeedWrite
			return Alive, nil
		}
		return m.respondAndClose(respframe.StatusBadRequest, "Client Disconnected", Closed)
	default:
		return Closed, nil
	}
}

func (m *Machine) failSocket(err error) (Result, error) {
	m.log.WithError(err).Warn("socket operation failed")
	return Error, err
}

// onHeaderBytes is called whenever new header bytes have landed in Buf
// while in StateReadingHeader. It checks for the CRLFCRLF sentinel and, on
// success, lexes the request and dispatches to the GET or PUT setup.
func (m *Machine) onHeaderBytes() (Result, error) {
	if !reqlex.HeadersComplete(m.Buf.B[:m.BufLen]) {
		if m.BufLen >= len(m.Buf.B) {
			return m.respondAndClose(respframe.StatusBadRequest, "Malformed headers.", Closed)
		}
		return Alive, nil
	}

	req, err := reqlex.Lex(m.Buf.B[:m.BufLen])
	if err != nil {
		lexErr, _ := err.(*reqlex.Error)
		status := respframe.StatusBadRequest
		msg := "Bad Request"
		if lexErr != nil {
			status, msg = lexErr.Status, lexErr.Msg
		}
		return m.respondAndClose(status, msg, Closed)
	}

	m.Method = req.Method
	m.Target = req.Target

	switch req.Method {
	case reqlex.MethodGet:
		return m.startGet(req)
	case reqlex.MethodPut:
		return m.startPut(req)
	default:
		return m.respondAndClose(respframe.StatusMethodNotAllowed, "Method Not Allowed.", Closed)
	}
}

func (m *Machine) startGet(req reqlex.Request) (Result, error) {
	full := m.resolver.GET(req.Target)
	fd, size, err := m.opener.OpenGet(full)
	if err != nil {
		return m.respondAndClose(respframe.StatusNotFound, "File not found", Closed)
	}
	m.FileFD = fd
	m.FileSize = size
	m.ByteOffset = 0
	m.BufLen = 0
	m.UtilOffset = 0

	header := respframe.Header(respframe.StatusOK, respframe.MimeFor(full), size)
	m.stagePending(header, StateGetNeedRead)
	if size == 0 {
		// Nothing to read; head straight to the terminal close once the
		// header preamble is flushed.
		m.afterPending = StateClosed
		m.terminal = Closed
	}
	return Alive, nil
}

func (m *Machine) startPut(req reqlex.Request) (Result, error) {
	full := m.resolver.PUT(req.Target)
	fd, err := m.opener.OpenPut(full)
	if err != nil {
		return m.respondAndClose(respframe.StatusInternalServerError, "Error creating file.", Error)
	}
	m.FileFD = fd
	m.FileSize = req.ContentLength
	m.ByteOffset = 0

	// Any bytes already resident past the header sentinel are the start
	// of the body. Move them to the front of the buffer and zero the
	// tail so the eventual block-rounded write pads deterministically.
	initial := m.Buf.B[req.HeaderEnd:m.BufLen]
	n := copy(m.Buf.B, initial)
	if int64(n) > m.FileSize {
		n = int(m.FileSize)
	}
	for i := n; i < len(m.Buf.B); i++ {
		m.Buf.B[i] = 0
	}
	m.BufLen = n
	m.UtilOffset = 0

	if m.FileSize == 0 || m.putShouldFlush() {
		m.state = StatePutNeedWrite
	} else {
		m.state = StatePutNeedRecv
	}
	return Alive, nil
}

// putShouldFlush reports whether the body bytes currently resident in Buf
// should be flushed to the file: either the buffer has filled up, or the
// full expected body has now been seen in memory. Used both right after a
// PUT's header is parsed (the initial recv may already have delivered the
// whole body; with the header stripped, the initial slice never fills the
// buffer) and after every subsequent recv.
func (m *Machine) putShouldFlush() bool {
	total := m.ByteOffset + int64(m.BufLen)
	return m.BufLen >= len(m.Buf.B) || total >= m.FileSize
}

// onBodyBytes is called after new body bytes land in Buf while in
// StatePutNeedRecv. It triggers a flush once the buffer is full or the
// total expected body has been seen in memory.
func (m *Machine) onBodyBytes() (Result, error) {
	if m.putShouldFlush() {
		m.state = StatePutNeedWrite
	}
	return Alive, nil
}

func (m *Machine) stagePending(data []byte, after State) {
	m.pending = data
	m.pendingSent = 0
	m.afterPending = after
	m.state = StateSendingPending
}

func (m *Machine) respondAndClose(status int, msg string, result Result) (Result, error) {
	body := respframe.PlainText(status, msg)
	endState := StateClosed
	if result == Error {
		endState = StateError
	}
	m.stagePending(body, endState)
	m.terminal = result
	return Alive, nil
}
