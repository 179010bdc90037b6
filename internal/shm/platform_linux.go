//go:build linux

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// shmDir is the tmpfs mount backing named regions. Files created here are
// shared pages, not disk blocks.
const shmDir = "/dev/shm"

// RegionPath returns the absolute path of a named region.
func RegionPath(name string) string {
	if dirUsable(shmDir) {
		return filepath.Join(shmDir, name)
	}
	return filepath.Join(os.TempDir(), name)
}

func dirUsable(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// CanAllocate reports whether the shared memory mount has room for size
// more bytes. Best effort: if usage cannot be determined the allocation is
// allowed and left to fail at ftruncate time.
func CanAllocate(size uint64) bool {
	usage, err := disk.Usage(shmDir)
	if err != nil {
		return true
	}
	return usage.Free >= size
}

// Map creates or opens a named shared memory region and maps it into the
// caller's address space. Creation is exclusive: when opts.Create is set and
// the region already exists, the error unwraps to unix.EEXIST. Opening a
// missing region unwraps to unix.ENOENT.
func Map(opts MapOptions) (*MappedRegion, error) {
	path := RegionPath(opts.Name)

	var (
		f   *os.File
		err error
	)
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("shm: invalid region size %d", opts.Size)
		}
		if !CanAllocate(uint64(opts.Size)) {
			return nil, fmt.Errorf("shm: no space left on %s for %d bytes", shmDir, opts.Size)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("shm: create region %s: %w", path, err)
		}
		// A freshly truncated tmpfs file reads as zeros, which doubles as
		// the zero-initialization of the region.
		if err := f.Truncate(int64(opts.Size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shm: size region %s: %w", path, err)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("shm: open region %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: stat region %s: %w", path, err)
		}
		opts.Size = int(info.Size())
		if opts.Size == 0 {
			// Racing a creator that has opened but not yet sized the
			// file. Callers retry with backoff.
			f.Close()
			return nil, fmt.Errorf("region %s: %w", path, ErrNotReady)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if opts.Create {
			os.Remove(path)
		}
		return nil, fmt.Errorf("shm: mmap region %s: %w", path, err)
	}

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		unix.Munmap(data)
		f.Close()
		if opts.Create {
			os.Remove(path)
		}
		return nil, fmt.Errorf("shm: dup region fd %s: %w", path, err)
	}
	f.Close()

	return &MappedRegion{
		Data:    data,
		Name:    opts.Name,
		Path:    path,
		Created: opts.Create,
		fd:      fd,
	}, nil
}

// Close unmaps the region and closes its file descriptor. The backing file
// stays in place for other processes; use Unlink to remove it.
func (r *MappedRegion) Close() error {
	var firstErr error
	if r.Data != nil {
		if err := unix.Munmap(r.Data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shm: munmap %s: %w", r.Path, err)
		}
		r.Data = nil
	}
	if r.fd > 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shm: close %s: %w", r.Path, err)
		}
		r.fd = 0
	}
	return firstErr
}

// Unlink removes a named region's backing file. Processes that still have
// the region mapped keep their mapping until they close it. Unlinking a
// missing region unwraps to unix.ENOENT.
func Unlink(name string) error {
	path := RegionPath(name)
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("shm: unlink region %s: %w", path, err)
	}
	return nil
}
