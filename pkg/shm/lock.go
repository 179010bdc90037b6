package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	internalshm "github.com/shmdict/shmdict/internal/shm"
)

// Lock word layout inside its own 64-byte region:
//
//	0x00 magic  uint32 "SDLK"
//	0x04 state  uint32 (0 free, 1 held, 2 held with waiters)
//	0x08 holder uint32 (pid of the current holder, diagnostic only)
const (
	lockMagic      = uint32(0x4B4C4453) // "SDLK" little-endian
	lockRegionSize = 64

	lockStateOffset  = 4
	lockHolderOffset = 8

	lockFree      = uint32(0)
	lockHeld      = uint32(1)
	lockContended = uint32(2)
)

// Lock is a named cross-process mutex backed by a futex word in a shared
// region. Any process that knows the name opens the same lock.
//
// The kernel does not release the word when its holder dies: a process
// killed while holding the lock leaves it held. HolderAlive exposes enough
// to diagnose that, but recovery is deliberately left to the operator.
type Lock struct {
	name   string
	region *internalshm.MappedRegion
}

// OpenLock opens the named lock, creating it if it does not exist yet.
// Creation is exclusive, so two processes racing to open the same name
// cannot both initialize it; the loser attaches to the winner's word.
func OpenLock(name string) (*Lock, error) {
	var lk *Lock
	op := func() error {
		region, err := internalshm.Map(internalshm.MapOptions{
			Name:   name,
			Size:   lockRegionSize,
			Create: true,
		})
		if err == nil {
			l := &Lock{name: name, region: region}
			atomic.StoreUint32(l.holderWord(), 0)
			atomic.StoreUint32(l.state(), lockFree)
			atomic.StoreUint32(l.magicWord(), lockMagic)
			lk = l
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return backoff.Permanent(err)
		}

		region, err = internalshm.Map(internalshm.MapOptions{Name: name})
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, internalshm.ErrNotReady):
			// Creator won the race but has not finished; retry.
			return err
		default:
			return backoff.Permanent(err)
		}

		l := &Lock{name: name, region: region}
		switch m := atomic.LoadUint32(l.magicWord()); m {
		case lockMagic:
			lk = l
			return nil
		case 0:
			l.Close()
			return fmt.Errorf("lock %q: %w", name, errNotReady)
		default:
			l.Close()
			return backoff.Permanent(fmt.Errorf("lock %q: bad magic %#x: %w", name, m, ErrInvalidSegment))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return lk, nil
}

// DestroyLock removes the OS-level resource backing the named lock.
// Destroying a missing lock is a no-op.
func DestroyLock(name string) error {
	err := internalshm.Unlink(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Lock) magicWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.region.Data[0]))
}

func (l *Lock) state() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.region.Data[lockStateOffset]))
}

func (l *Lock) holderWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.region.Data[lockHolderOffset]))
}

// Name returns the lock's region name.
func (l *Lock) Name() string { return l.name }

// lockWaitSlice bounds a single futex sleep. The kernel wait cannot be
// interrupted by a context, so long waits are chopped into slices and ctx is
// re-checked between them.
const lockWaitSlice = 50 * time.Millisecond

// Acquire blocks until the lock is obtained, the timeout elapses, or ctx is
// done. On timeout it fails with ErrLockTimeout having performed no partial
// work; when the context's deadline is the one that cut the wait short, the
// context's error is returned instead. A timeout <= 0 waits forever
// (subject to ctx).
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	state := l.state()

	// Uncontended fast path.
	if atomic.CompareAndSwapUint32(state, lockFree, lockHeld) {
		atomic.StoreUint32(l.holderWord(), uint32(os.Getpid()))
		return nil
	}

	var (
		deadline time.Time
		ctxBound bool
	)
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || !d.After(deadline)) {
		deadline = d
		ctxBound = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch v := atomic.LoadUint32(state); v {
		case lockFree:
			// Acquire in the contended state: we cannot know whether
			// other waiters queued behind us, so release must wake.
			if atomic.CompareAndSwapUint32(state, lockFree, lockContended) {
				atomic.StoreUint32(l.holderWord(), uint32(os.Getpid()))
				return nil
			}
		case lockHeld:
			atomic.CompareAndSwapUint32(state, lockHeld, lockContended)
		case lockContended:
			wait := lockWaitSlice
			if !deadline.IsZero() {
				remain := time.Until(deadline)
				if remain <= 0 {
					return l.expiredErr(ctx, ctxBound)
				}
				if remain < wait {
					wait = remain
				}
			}
			if err := internalshm.FutexWaitTimeout(state, lockContended, wait); err != nil {
				if !errors.Is(err, internalshm.ErrWaitTimeout) {
					return err
				}
				if !deadline.IsZero() && time.Until(deadline) <= 0 {
					return l.expiredErr(ctx, ctxBound)
				}
				// Slice boundary, not the deadline; loop re-checks ctx.
			}
		default:
			return fmt.Errorf("lock %q: corrupt state %d: %w", l.name, v, ErrInvalidSegment)
		}
	}
}

// expiredErr names the limit that ended the wait: the context when it was
// cancelled or carried the binding deadline, the lock timeout otherwise.
// The futex clock can fire a moment before the context's own timer, so a
// binding context deadline is reported as exceeded without waiting for
// ctx.Err to catch up.
func (l *Lock) expiredErr(ctx context.Context, ctxBound bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctxBound {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("lock %q: %w", l.name, ErrLockTimeout)
}

// Release unlocks the lock and wakes one waiter if any queued.
func (l *Lock) Release() error {
	// Clear the holder before the word goes free so the next acquirer's
	// pid is never overwritten by ours.
	atomic.StoreUint32(l.holderWord(), 0)
	switch old := atomic.SwapUint32(l.state(), lockFree); old {
	case lockContended:
		_, err := internalshm.FutexWake(l.state(), 1)
		return err
	case lockHeld:
		return nil
	default:
		return fmt.Errorf("lock %q: release of unheld lock", l.name)
	}
}

// With runs fn while holding the lock. The lock is released on every exit
// path, including panics in fn.
func (l *Lock) With(ctx context.Context, timeout time.Duration, fn func() error) (err error) {
	if err = l.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// Holder returns the pid recorded by the current holder, or 0 when free.
func (l *Lock) Holder() int {
	return int(atomic.LoadUint32(l.holderWord()))
}

// HolderAlive reports whether the recorded holder is a live process. It is
// a diagnostic for the documented dead-holder hazard: a held lock whose
// holder is gone will never be released by the kernel.
func (l *Lock) HolderAlive() (pid int, alive bool, err error) {
	pid = l.Holder()
	if pid == 0 {
		return 0, false, nil
	}
	alive, err = process.PidExists(int32(pid))
	return pid, alive, err
}

// Close detaches this process from the lock word. The lock itself lives on
// until DestroyLock.
func (l *Lock) Close() error {
	if l.region == nil {
		return nil
	}
	err := l.region.Close()
	l.region = nil
	return err
}
