//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex op codes from linux/futex.h; x/sys/unix only exports the syscall
// numbers. These are the shared, non-PRIVATE forms: the futex word lives in
// a MAP_SHARED mapping and is waited on from unrelated processes.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// FutexWaitTimeout blocks until the value at addr changes from val, another
// process calls FutexWake, or the timeout elapses. A timeout <= 0 waits
// forever. Spurious returns are allowed; callers must re-check their
// condition in a loop.
func FutexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check right before the syscall to close the lost-wake window
	// between the caller's snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsPtr unsafe.Pointer
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(tsPtr),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// Value already changed, or interrupted: the caller re-checks.
		return nil
	case unix.ETIMEDOUT:
		return ErrWaitTimeout
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were
// woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shm: futex wake: %w", errno)
	}
	return int(r1), nil
}
