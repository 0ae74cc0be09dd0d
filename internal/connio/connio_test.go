package connio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/blockserve/blockserve/internal/buffer"
)

func openTempFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Open(t.TempDir()+"/x", unix.O_RDWR|unix.O_CREAT, 0644)
	require.NoError(t, err)
	return fd
}

func TestTeardownClosesBothFDsAndReturnsBuffer(t *testing.T) {
	pool := &buffer.Pool{}
	buf := pool.Get()

	clientFD := openTempFD(t)
	fileFD := openTempFD(t)

	err := Teardown(pool, buf, clientFD, fileFD)
	require.NoError(t, err)

	// Both fds are now closed; closing again must fail.
	require.Error(t, unix.Close(clientFD))
	require.Error(t, unix.Close(fileFD))

	got := pool.Get()
	require.Same(t, buf, got, "buffer should have been returned to the pool")
}

func TestTeardownSkipsNegativeFDs(t *testing.T) {
	pool := &buffer.Pool{}
	buf := pool.Get()
	err := Teardown(pool, buf, -1, -1)
	require.NoError(t, err)
}

func TestTeardownWithNilPoolAndNegativeFDsIsNoop(t *testing.T) {
	err := Teardown(nil, nil, -5, -5)
	require.NoError(t, err, "negative fds mean \"nothing to close\", not errors")
}

func TestTeardownReportsDoubleCloseErrors(t *testing.T) {
	pool := &buffer.Pool{}
	fd := openTempFD(t)
	require.NoError(t, unix.Close(fd))

	// fd is already closed; Teardown should still report it rather than
	// silently succeeding, and should do so for the client fd independent
	// of the file fd outcome.
	err := Teardown(pool, pool.Get(), fd, fd)
	require.Error(t, err)
}
