//go:build linux && amd64

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// bufAddr returns the address io_uring should read/write through. buf must
// stay alive (referenced from the owning connection) until its completion
// arrives; Go's garbage collector does not relocate already-escaped heap
// allocations, so holding a live reference is sufficient to keep the
// kernel's view of the address valid for the operation's lifetime.
func bufAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func errnoFromRes(res int32) error {
	return unix.Errno(uintptr(-res))
}
