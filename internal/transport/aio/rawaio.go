//go:build linux && amd64

// Linux native AIO (io_setup/io_submit/io_getevents) has no wrapper in
// golang.org/x/sys/unix — unlike io_uring, it never grew a convenience
// package anywhere in the ecosystem pack either, so the binding here goes
// straight to the raw syscalls with hand-written structs mirroring
// linux/aio_abi.h, the same way cloudwego/gopkg's internal/iouring package
// binds io_uring's raw syscalls by hand. The syscall numbers below are
// linux/amd64-specific, matching this file's build tag.
package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIOSetup     = 206
	sysIODestroy   = 207
	sysIOGetevents = 208
	sysIOSubmit    = 209

	iocbCmdPread  = 0
	iocbCmdPwrite = 1

	iocbFlagResFD = 1 << 0
)

// iocb mirrors struct iocb from linux/aio_abi.h on a little-endian 64-bit
// target.
type iocb struct {
	aioData     uint64
	aioKey      uint32
	aioRWFlags  int32
	aioLioOpcode uint16
	aioReqPrio  int16
	aioFildes   uint32
	aioBuf      uint64
	aioNbytes   uint64
	aioOffset   int64
	aioReserved2 uint64
	aioFlags    uint32
	aioResFD    uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// aioContext wraps the kernel's opaque aio_context_t handle.
type aioContext struct {
	ctx uint64
}

func ioSetup(nrEvents uint32) (aioContext, error) {
	var ctx uint64
	_, _, errno := unix.Syscall(sysIOSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return aioContext{}, errno
	}
	return aioContext{ctx: ctx}, nil
}

func (c aioContext) destroy() error {
	_, _, errno := unix.Syscall(sysIODestroy, uintptr(c.ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// submit submits a batch of iocb pointers in one io_submit call.
func (c aioContext) submit(cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(sysIOSubmit, uintptr(c.ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// getEvents performs a non-blocking drain (timeout of zero) of up to
// len(out) completed events.
func (c aioContext) getEvents(out []ioEvent) (int, error) {
	var ts unix.Timespec // zero value: return immediately
	n, _, errno := unix.Syscall6(sysIOGetevents, uintptr(c.ctx), 0, uintptr(len(out)),
		uintptr(unsafe.Pointer(&out[0])), uintptr(unsafe.Pointer(&ts)), 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func newPreadIOCB(fd int, buf []byte, offset int64, data uint64, resFD int) *iocb {
	return &iocb{
		aioData:      data,
		aioLioOpcode: iocbCmdPread,
		aioFildes:    uint32(fd),
		aioBuf:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		aioNbytes:    uint64(len(buf)),
		aioOffset:    offset,
		aioFlags:     iocbFlagResFD,
		aioResFD:     uint32(resFD),
	}
}

func newPwriteIOCB(fd int, buf []byte, offset int64, data uint64, resFD int) *iocb {
	return &iocb{
		aioData:      data,
		aioLioOpcode: iocbCmdPwrite,
		aioFildes:    uint32(fd),
		aioBuf:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		aioNbytes:    uint64(len(buf)),
		aioOffset:    offset,
		aioFlags:     iocbFlagResFD,
		aioResFD:     uint32(resFD),
	}
}
