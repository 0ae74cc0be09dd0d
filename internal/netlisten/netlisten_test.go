package netlisten

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenRawFDBindsAndListens(t *testing.T) {
	fd, err := ListenRawFD(Config{Addr: "127.0.0.1:0", Backlog: 128})
	require.NoError(t, err)
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	_, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
}

func TestListenBuildsWorkingListener(t *testing.T) {
	ln, err := Listen(Config{Addr: "127.0.0.1:0", Backlog: 128})
	require.NoError(t, err)
	defer ln.Close()
	require.NotEmpty(t, ln.Addr().String())
}

func TestSetNonBlockingNoDelayAppliesBothOptions(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	tc, ok := server.(*net.TCPConn)
	require.True(t, ok)
	raw, err := tc.SyscallConn()
	require.NoError(t, err)

	var applyErr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		applyErr = SetNonBlockingNoDelay(int(fd))
	}))
	require.NoError(t, applyErr)
}
