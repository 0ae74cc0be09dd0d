package xio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestClassifyDone(t *testing.T) {
	outcome, n, err := Classify(5, nil)
	require.Equal(t, Done, outcome)
	require.Equal(t, 5, n)
	require.NoError(t, err)
}

func TestClassifyEOF(t *testing.T) {
	outcome, n, err := Classify(0, nil)
	require.Equal(t, EOF, outcome)
	require.Equal(t, 0, n)
	require.NoError(t, err)
}

func TestClassifyWouldBlock(t *testing.T) {
	outcome, n, err := Classify(0, unix.EAGAIN)
	require.Equal(t, WouldBlock, outcome)
	require.Equal(t, 0, n)
	require.NoError(t, err)
}

func TestClassifyFailed(t *testing.T) {
	outcome, _, err := Classify(0, unix.EBADF)
	require.Equal(t, Failed, outcome)
	require.Error(t, err)
}

func TestRecvReadsWhatWasSent(t *testing.T) {
	a, b := socketpair(t)
	_, err := unix.Write(a, []byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	outcome, n, err := Recv(b, buf)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestRecvWouldBlockOnEmptyNonBlockingSocket(t *testing.T) {
	a, b := socketpair(t)
	_ = a
	require.NoError(t, unix.SetNonblock(b, true))

	buf := make([]byte, 16)
	outcome, n, err := Recv(b, buf)
	require.NoError(t, err)
	require.Equal(t, WouldBlock, outcome)
	require.Equal(t, 0, n)
}

func TestRecvEOFOnPeerClose(t *testing.T) {
	a, b := socketpair(t)
	require.NoError(t, unix.Close(a))

	buf := make([]byte, 16)
	outcome, n, err := Recv(b, buf)
	require.NoError(t, err)
	require.Equal(t, EOF, outcome)
	require.Equal(t, 0, n)
}

func TestSendFullyBlockingSendsEverything(t *testing.T) {
	a, b := socketpair(t)
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		outcome, n, err := SendFully(a, payload, true)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
		require.Equal(t, len(payload), n)
	}()

	received := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(received) < len(payload) {
		outcome, n, err := Recv(b, buf)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
		received = append(received, buf[:n]...)
	}
	<-done
	require.Equal(t, payload, received)
}

func TestWriteFullyRoundsUpAndPads(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "xio-write-*")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 8192)
	for i := 0; i < 100; i++ {
		buf[i] = 0x42
	}

	written, err := WriteFully(int(f.Fd()), buf, 100, 0, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, written)

	got := make([]byte, 4096)
	n, err := unix.Pread(int(f.Fd()), got, 0)
	require.NoError(t, err)
	require.Equal(t, 4096, n)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(0x42), got[i])
	}
	for i := 100; i < 4096; i++ {
		require.Zerof(t, got[i], "byte %d should be zero-padded", i)
	}
}

func TestWriteFullyExactMultipleNoExtraPadding(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "xio-write-*")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0x7
	}
	written, err := WriteFully(int(f.Fd()), buf, 4096, 0, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, written)
}

func TestPreadAtReturnsWhatWasWritten(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "xio-pread-*")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("file contents"), 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	outcome, n, err := PreadAt(int(f.Fd()), buf, 0)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, "file contents", string(buf[:n]))
}
