//go:build linux

// Package futex wraps the Linux futex(2) wait/wake operations on a 32-bit word.
//
// Only the process-private variants are used: every word this module waits on
// lives in Go heap memory owned by a single process.
package futex

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opWait    = 0
	opWake    = 1
	opPrivate = 128
)

// All wakes every waiter.
const All = math.MaxInt32

// Wait blocks while *addr == val, for at most timeout (negative means forever).
//
// Spurious wakeups are allowed. A value mismatch returns nil immediately.
// Expiry returns unix.ETIMEDOUT and signal delivery returns unix.EINTR.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(opWait|opPrivate),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
	switch errno {
	case 0, unix.EAGAIN:
		return nil
	default:
		return errno
	}
}

// Wake wakes at most n waiters blocked on addr and reports how many woke.
func Wake(addr *uint32, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if n > All {
		n = All
	}
	r, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(opWake|opPrivate),
		uintptr(n),
		0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// Word32 reinterprets a signed futex word.
func Word32(p *int32) *uint32 {
	return (*uint32)(unsafe.Pointer(p))
}
