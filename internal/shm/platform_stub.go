//go:build !linux

package shm

import "time"

// RegionPath returns the absolute path of a named region.
func RegionPath(name string) string { return name }

// CanAllocate reports whether the shared memory mount has room for size
// more bytes.
func CanAllocate(size uint64) bool { return false }

// Map creates or opens a named shared memory region.
func Map(opts MapOptions) (*MappedRegion, error) {
	return nil, ErrPlatformUnsupported
}

// Close unmaps the region and closes its file descriptor.
func (r *MappedRegion) Close() error { return ErrPlatformUnsupported }

// Unlink removes a named region's backing file.
func Unlink(name string) error { return ErrPlatformUnsupported }

// FutexWaitTimeout blocks until the value at addr changes from val.
func FutexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrPlatformUnsupported
}

// FutexWake wakes up to n waiters blocked on addr.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, ErrPlatformUnsupported
}
