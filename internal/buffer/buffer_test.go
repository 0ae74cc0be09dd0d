package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAlignedIsBlockAligned(t *testing.T) {
	a := newAligned()
	require.Zero(t, a.Addr()%BlockSize)
	require.Len(t, a.B, Size)
}

func TestResetZeroesAndRestoresLength(t *testing.T) {
	a := newAligned()
	a.B = a.B[:10]
	for i := range a.B {
		a.B[i] = 0xff
	}
	a.Reset()
	require.Len(t, a.B, Size)
	for _, b := range a.B {
		require.Zero(t, b)
	}
}

func TestPoolGetPutReusesBuffers(t *testing.T) {
	p := &Pool{}
	a := p.Get()
	a.B[0] = 0xaa
	p.Put(a)

	b := p.Get()
	require.Same(t, a, b, "LIFO pool should hand back the most recently released buffer")
	require.Zero(t, b.B[0], "buffers must come back zeroed")
}

func TestPoolGetAllocatesWhenEmpty(t *testing.T) {
	p := &Pool{}
	a := p.Get()
	require.NotNil(t, a)
	require.Len(t, a.B, Size)
}

func TestPoolPutNilIsNoop(t *testing.T) {
	p := &Pool{}
	p.Put(nil)
	a := p.Get()
	require.NotNil(t, a)
}

func TestRoundUpBlock(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 0},
		{1, BlockSize},
		{BlockSize, BlockSize},
		{BlockSize + 1, 2 * BlockSize},
		{100, BlockSize},
		{131072, 131072},
	}
	for _, c := range cases {
		got := RoundUpBlock(c.in)
		require.Equalf(t, c.want, got, "RoundUpBlock(%d)", c.in)
	}
}
