package connstate

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/blockserve/blockserve/internal/buffer"
	"github.com/blockserve/blockserve/internal/pathmap"
)

type fakeOpener struct {
	getErr  error
	getSize int64
	getFD   int
	putErr  error
	putFD   int
}

func (f *fakeOpener) OpenGet(path string) (int, int64, error) {
	if f.getErr != nil {
		return 0, 0, f.getErr
	}
	return f.getFD, f.getSize, nil
}

func (f *fakeOpener) OpenPut(path string) (int, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	return f.putFD, nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestMachine(t *testing.T, opener Opener) *Machine {
	t.Helper()
	pool := &buffer.Pool{}
	buf := pool.Get()
	t.Cleanup(func() { pool.Put(buf) })
	return New(99, buf, opener, pathmap.Resolver{Root: "/docroot"}, testLog())
}

func TestNewMachineStartsInReadingHeader(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{})
	require.Equal(t, StateReadingHeader, m.State())
	require.Equal(t, ActionRecv, m.NextAction())
}

func TestMethodNotAllowedRespondsAndCloses(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{})
	req := []byte("DELETE /foo HTTP/1.1\r\n\r\n")
	n := copy(m.RecvTarget(), req)
	result, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StateSendingPending, m.State())
	require.Equal(t, ActionSend, m.NextAction())

	src := m.SendSource()
	require.Contains(t, string(src), "405 Method Not Allowed")

	result, err = m.OnSend(len(src), nil)
	require.NoError(t, err)
	require.Equal(t, Closed, result)
	require.Equal(t, StateClosed, m.State())
}

func TestGetNotFoundRespondsAndCloses(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{getErr: errors.New("no such file")})
	req := []byte("GET /missing.txt HTTP/1.1\r\n\r\n")
	n := copy(m.RecvTarget(), req)
	result, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, ActionSend, m.NextAction())
	require.Contains(t, string(m.SendSource()), "404 Not Found")
}

func TestGetZeroByteFileClosesAfterHeader(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{getFD: 7, getSize: 0})
	req := []byte("GET /empty.txt HTTP/1.1\r\n\r\n")
	n := copy(m.RecvTarget(), req)
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, StateSendingPending, m.State())

	src := m.SendSource()
	require.Contains(t, string(src), "200 OK")
	require.Contains(t, string(src), "Content-Length: 0")

	result, err := m.OnSend(len(src), nil)
	require.NoError(t, err)
	require.Equal(t, Closed, result)
	require.Equal(t, StateClosed, m.State())
}

func TestGetOneByteFileFullCycle(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{getFD: 7, getSize: 1})
	req := []byte("GET /a.txt HTTP/1.1\r\n\r\n")
	n := copy(m.RecvTarget(), req)
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)

	// Drain the header/preamble.
	for m.State() == StateSendingPending {
		src := m.SendSource()
		result, err := m.OnSend(len(src), nil)
		require.NoError(t, err)
		require.Equal(t, Alive, result)
	}
	require.Equal(t, StateGetNeedRead, m.State())
	require.Equal(t, ActionFileRead, m.NextAction())

	target, offset := m.FileReadTarget()
	require.EqualValues(t, 0, offset)
	require.Equal(t, 1, len(target))

	result, err := m.OnFileRead(1, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StateGetNeedSend, m.State())

	body := m.SendSource()
	require.Equal(t, 1, len(body))
	result, err = m.OnSend(1, nil)
	require.NoError(t, err)
	require.Equal(t, Closed, result)
	require.Equal(t, StateClosed, m.State())
}

func TestPutSmallBodyAlreadyResidentFlushesImmediately(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{putFD: 9})
	req := []byte("PUT /upload/small.bin HTTP/1.1\r\nContent-Length: 4\r\n\r\nBODY")
	n := copy(m.RecvTarget(), req)
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)

	for m.State() == StateSendingPending {
		// A PUT stages no pending header preamble; startPut goes straight
		// to PUT_NEED_WRITE once the whole body is already resident.
		t.Fatalf("unexpected pending send state for PUT setup")
	}
	require.Equal(t, StatePutNeedWrite, m.State())

	buf, bufLen, offset := m.FileWriteSource()
	require.EqualValues(t, 0, offset)
	require.Equal(t, 4, bufLen)
	require.Equal(t, "BODY", string(buf[:4]))
	for _, b := range buf[4:] {
		require.Zero(t, b)
	}

	result, err := m.OnFileWrite(buffer.RoundUpBlock(4), nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StateSendingPending, m.State())

	src := m.SendSource()
	require.Contains(t, string(src), "201 Created")
	result, err = m.OnSend(len(src), nil)
	require.NoError(t, err)
	require.Equal(t, Closed, result)
}

func TestPutInitialBytesFillBufferBeforeFileSizeSeenStillFlushes(t *testing.T) {
	// Regression test: the first recv fills the whole scratch buffer with
	// the header plus body bytes, and the declared Content-Length is
	// larger. Once the header is stripped the body slice leaves exactly
	// the header's length of room, so the machine keeps recving into it
	// and flushes as soon as that room is filled, never parking in
	// PUT_NEED_RECV with zero bytes of room left to recv into.
	m := newTestMachine(t, &fakeOpener{putFD: 9})

	header := "PUT /upload/big.bin HTTP/1.1\r\nContent-Length: 999999\r\n\r\n"
	n := copy(m.RecvTarget(), []byte(header))
	bodyRoom := len(m.Buf.B) - n
	for i := 0; i < bodyRoom; i++ {
		m.Buf.B[n+i] = 'x'
	}
	n += bodyRoom

	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, StatePutNeedRecv, m.State())
	require.Equal(t, len(header), len(m.RecvTarget()), "stripping the header frees exactly its length")

	room := m.RecvTarget()
	for i := range room {
		room[i] = 'y'
	}
	_, err = m.OnRecv(len(room), nil)
	require.NoError(t, err)
	require.Equal(t, StatePutNeedWrite, m.State(), "buffer-full body bytes must trigger a flush immediately")
	require.NotEqual(t, ActionRecv, m.NextAction())
}

func TestPutMultipleRecvCyclesWithinOneBuffer(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{putFD: 9})
	header := "PUT /upload/f.bin HTTP/1.1\r\nContent-Length: 8\r\n\r\n"
	n := copy(m.RecvTarget(), []byte(header))
	// No body bytes arrived with the header.
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, StatePutNeedRecv, m.State())
	require.Equal(t, ActionRecv, m.NextAction())

	n = copy(m.RecvTarget(), []byte("1234"))
	result, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StatePutNeedRecv, m.State(), "4 of 8 bytes seen, buffer not full: keep recving")

	n = copy(m.RecvTarget(), []byte("5678"))
	result, err = m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StatePutNeedWrite, m.State(), "all 8 bytes now seen: flush")

	buf, bufLen, _ := m.FileWriteSource()
	require.Equal(t, "12345678", string(buf[:bufLen]))

	result, err = m.OnFileWrite(buffer.RoundUpBlock(8), nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StateSendingPending, m.State())
}

func TestPutMidBodyDisconnectRespondsBadRequest(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{putFD: 9})
	header := "PUT /upload/f.bin HTTP/1.1\r\nContent-Length: 100\r\n\r\n"
	n := copy(m.RecvTarget(), []byte(header))
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, StatePutNeedRecv, m.State())

	result, err := m.OnRecv(0, nil)
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	require.Equal(t, StateSendingPending, m.State())
	src := m.SendSource()
	require.Contains(t, string(src), "400 Bad Request")
	require.Contains(t, string(src), "Client Disconnected")

	result, err = m.OnSend(len(src), nil)
	require.NoError(t, err)
	require.Equal(t, Closed, result)
}

func TestPutContentLengthMissingIsRejected(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{putFD: 9})
	req := []byte("PUT /upload/f.bin HTTP/1.1\r\n\r\n")
	n := copy(m.RecvTarget(), req)
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Contains(t, string(m.SendSource()), "411 Length Required")
}

func TestSocketErrorDuringRecvIsError(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{})
	result, err := m.OnRecv(0, errors.New("connection reset"))
	require.Error(t, err)
	require.Equal(t, Error, result)
}

func TestFileWriteErrorRespondsInternalServerError(t *testing.T) {
	m := newTestMachine(t, &fakeOpener{putFD: 9})
	req := []byte("PUT /upload/f.bin HTTP/1.1\r\nContent-Length: 4\r\n\r\nBODY")
	n := copy(m.RecvTarget(), req)
	_, err := m.OnRecv(n, nil)
	require.NoError(t, err)
	require.Equal(t, StatePutNeedWrite, m.State())

	result, err := m.OnFileWrite(0, errors.New("disk full"))
	require.NoError(t, err)
	require.Equal(t, Alive, result)
	src := m.SendSource()
	require.Contains(t, string(src), "500 Internal Server Error")

	result, err = m.OnSend(len(src), nil)
	require.NoError(t, err)
	require.Equal(t, Error, result)
	require.Equal(t, StateError, m.State())
}
