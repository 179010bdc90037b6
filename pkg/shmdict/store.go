package shmdict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internalshm "github.com/shmdict/shmdict/internal/shm"
	"github.com/shmdict/shmdict/pkg/codec"
	"github.com/shmdict/shmdict/pkg/shm"
)

// Store is a dictionary whose contents live in a named shared memory
// segment visible to every process on the host that opens the same name.
//
// Every operation, reads included, runs under the dictionary's cross-process
// lock and works on the whole encoded image: acquire, read, decode, apply,
// encode, write, release. That makes each operation O(dictionary size) by
// design; in exchange a mutation is never observed half-applied, and the
// correctness argument is a single serialization point.
type Store struct {
	name     string
	segName  string
	lockName string
	opts     Options

	seg     *shm.Segment
	lock    *shm.Lock
	persist *persister

	log     *zap.Logger
	metrics *storeMetrics
	tracer  trace.Tracer
	opCount metric.Int64Counter

	dirty  atomic.Bool
	closed atomic.Bool
}

// Open attaches to the named dictionary, creating its segment and lock on
// first use. Processes racing to create the same name resolve to a single
// winner; the others attach to the winner's resources. When persistence is
// configured and the segment has never been written, the backing file seeds
// the region.
func Open(ctx context.Context, name string, opts Options) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("shmdict: empty dictionary name")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	s := &Store{
		name:     name,
		segName:  internalshm.SafeName("shm", name),
		lockName: internalshm.SafeName("sem", name),
		opts:     opts,
		log:      opts.Logger.With(zap.String("dictionary", name)),
		tracer:   opts.Tracer,
	}

	var err error
	if s.metrics, err = newStoreMetrics(opts.Registerer, name); err != nil {
		return nil, fmt.Errorf("shmdict: register metrics: %w", err)
	}
	if opts.Meter != nil {
		s.opCount, err = opts.Meter.Int64Counter("shmdict.operations",
			metric.WithDescription("Completed dictionary operations."))
		if err != nil {
			return nil, fmt.Errorf("shmdict: create instrument: %w", err)
		}
	}
	if opts.PersistPath != "" {
		s.persist = &persister{path: opts.PersistPath, log: s.log}
	}

	if s.lock, err = shm.OpenLock(s.lockName); err != nil {
		return nil, err
	}
	seg, created, err := shm.AttachOrCreateSegment(s.segName, opts.Capacity)
	if err != nil {
		s.lock.Close()
		return nil, err
	}
	s.seg = seg

	if s.persist != nil {
		if err := s.seed(ctx); err != nil {
			s.seg.Close()
			s.lock.Close()
			return nil, err
		}
	}

	registerHandle(name)
	s.log.Info("dictionary opened",
		zap.Bool("created", created),
		zap.Uint64("capacity", seg.Capacity()),
		zap.String("sync", opts.SyncPolicy.String()))
	return s, nil
}

// seed populates a never-written segment from the backing file.
func (s *Store) seed(ctx context.Context) error {
	return s.lock.With(ctx, s.opts.LockTimeout, func() error {
		if s.seg.Generation() != 0 || s.seg.Used() != 0 {
			return nil
		}
		image, err := s.persist.load()
		if err != nil || image == nil {
			return err
		}
		// Refuse to seed from bytes the codec cannot read back.
		if _, err := codec.Decode(image); err != nil {
			return err
		}
		if err := s.seg.Write(image); err != nil {
			return err
		}
		s.log.Info("segment seeded from file",
			zap.String("path", s.persist.path), zap.Int("bytes", len(image)))
		return nil
	})
}

// run executes fn on the decoded mapping under the lock. fn returns whether
// it mutated the mapping; a mutation is re-encoded, committed to the
// segment, and mirrored per the sync policy. Any error leaves the committed
// image untouched.
func (s *Store) run(ctx context.Context, op string, fn func(m map[string]codec.Value) (bool, error)) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "shmdict."+op)
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}

	lockStart := time.Now()
	acquired := true
	if aerr := s.lock.Acquire(ctx, s.opts.LockTimeout); aerr != nil {
		if !errors.Is(aerr, shm.ErrLockTimeout) || !s.opts.AutoUnlock {
			return aerr
		}
		// AutoUnlock trades mutual exclusion for progress. Loud on
		// purpose: this path means a holder died or is stuck.
		pid, alive, _ := s.lock.HolderAlive()
		s.log.Warn("lock timeout bypassed",
			zap.Int("holder_pid", pid), zap.Bool("holder_alive", alive))
		acquired = false
	}
	s.metrics.observeLockWait(time.Since(lockStart))
	if acquired {
		defer func() {
			if rerr := s.lock.Release(); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	image, err := s.seg.Read()
	if err != nil {
		return err
	}
	m, err := codec.Decode(image)
	if err != nil {
		return err
	}

	changed, err := fn(m)
	if err != nil || !changed {
		if err == nil {
			s.metrics.observeOp(op)
			s.countOp(ctx, op)
		}
		return err
	}

	encoded, err := codec.Encode(m)
	if err != nil {
		return err
	}
	if err := s.seg.Write(encoded); err != nil {
		return err
	}
	s.metrics.setImageBytes(len(encoded))

	if s.persist != nil {
		s.dirty.Store(true)
		if s.opts.SyncPolicy == SyncEveryWrite {
			if err := s.persist.flush(encoded); err != nil {
				return err
			}
			s.dirty.Store(false)
			s.metrics.observeFlush()
		}
	}
	s.metrics.observeOp(op)
	s.countOp(ctx, op)
	return nil
}

func (s *Store) countOp(ctx context.Context, op string) {
	if s.opCount == nil {
		return
	}
	s.opCount.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// Get returns the value stored under key. It fails with ErrKeyNotFound when
// the key is absent.
func (s *Store) Get(ctx context.Context, key string) (codec.Value, error) {
	var out codec.Value
	err := s.run(ctx, "get", func(m map[string]codec.Value) (bool, error) {
		v, ok := m[key]
		if !ok {
			return false, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
		}
		out = v
		return false, nil
	})
	return out, err
}

// GetDefault returns the value stored under key, or def when the key is
// absent.
func (s *Store) GetDefault(ctx context.Context, key string, def codec.Value) (codec.Value, error) {
	out := def
	err := s.run(ctx, "get", func(m map[string]codec.Value) (bool, error) {
		if v, ok := m[key]; ok {
			out = v
		}
		return false, nil
	})
	return out, err
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value codec.Value) error {
	return s.run(ctx, "set", func(m map[string]codec.Value) (bool, error) {
		m[key] = value
		return true, nil
	})
}

// Delete removes key. It fails with ErrKeyNotFound when the key is absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.run(ctx, "delete", func(m map[string]codec.Value) (bool, error) {
		if _, ok := m[key]; !ok {
			return false, fmt.Errorf("key %q: %w", key, ErrKeyNotFound)
		}
		delete(m, key)
		return true, nil
	})
}

// Contains reports whether key is present.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.run(ctx, "contains", func(m map[string]codec.Value) (bool, error) {
		_, found = m[key]
		return false, nil
	})
	return found, err
}

// Len returns the number of entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "len", func(m map[string]codec.Value) (bool, error) {
		n = len(m)
		return false, nil
	})
	return n, err
}

// Keys returns a sorted snapshot of the keys, taken under the lock at call
// time. It is never a live view into the region.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.run(ctx, "keys", func(m map[string]codec.Value) (bool, error) {
		keys = sortedKeys(m)
		return false, nil
	})
	return keys, err
}

// Values returns a snapshot of the values ordered by their keys.
func (s *Store) Values(ctx context.Context) ([]codec.Value, error) {
	var vals []codec.Value
	err := s.run(ctx, "values", func(m map[string]codec.Value) (bool, error) {
		vals = make([]codec.Value, 0, len(m))
		for _, k := range sortedKeys(m) {
			vals = append(vals, m[k])
		}
		return false, nil
	})
	return vals, err
}

// Items returns a snapshot copy of the whole mapping.
func (s *Store) Items(ctx context.Context) (map[string]codec.Value, error) {
	var items map[string]codec.Value
	err := s.run(ctx, "items", func(m map[string]codec.Value) (bool, error) {
		items = m
		return false, nil
	})
	return items, err
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	return s.run(ctx, "clear", func(m map[string]codec.Value) (bool, error) {
		if len(m) == 0 {
			return false, nil
		}
		for k := range m {
			delete(m, k)
		}
		return true, nil
	})
}

// Update merges entries into the dictionary, one committed image for the
// whole batch. Within the batch the last write per key wins.
func (s *Store) Update(ctx context.Context, entries map[string]codec.Value) error {
	if len(entries) == 0 {
		return nil
	}
	return s.run(ctx, "update", func(m map[string]codec.Value) (bool, error) {
		for k, v := range entries {
			m[k] = v
		}
		return true, nil
	})
}

// Mutate runs fn on the decoded mapping and commits the result as one
// image, all within a single lock hold. This is the read-modify-write
// primitive: concurrent Mutate calls on the same dictionary never lose
// updates. An error from fn discards the changes.
func (s *Store) Mutate(ctx context.Context, fn func(m map[string]codec.Value) error) error {
	return s.run(ctx, "mutate", func(m map[string]codec.Value) (bool, error) {
		if err := fn(m); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Flush mirrors the currently committed image to the backing file. It fails
// with ErrNoPersistence when the store has no backing file.
func (s *Store) Flush(ctx context.Context) error {
	if s.persist == nil {
		return ErrNoPersistence
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return s.lock.With(ctx, s.opts.LockTimeout, func() error {
		image, err := s.seg.Read()
		if err != nil {
			return err
		}
		if err := s.persist.flush(image); err != nil {
			return err
		}
		s.dirty.Store(false)
		s.metrics.observeFlush()
		return nil
	})
}

// Name returns the logical dictionary name.
func (s *Store) Name() string { return s.name }

// Capacity returns the fixed image area size in bytes.
func (s *Store) Capacity() uint64 { return s.seg.Capacity() }

// Generation returns the segment's mutation counter.
func (s *Store) Generation() uint64 { return s.seg.Generation() }

// Same reports whether two stores are views of the same dictionary, which
// is decided by the derived segment name alone.
func Same(a, b *Store) bool {
	return a != nil && b != nil && a.segName == b.segName
}

// Close detaches this handle. With persistence configured under a policy
// other than SyncNone, a dirty image is mirrored once more (the
// clean-shutdown trigger). The segment and lock stay alive for other
// processes; Destroy removes them.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if s.persist != nil && s.opts.SyncPolicy != SyncNone && s.dirty.Load() {
		ctx := context.Background()
		if s.opts.LockTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.LockTimeout)
			defer cancel()
		}
		err := s.lock.With(ctx, s.opts.LockTimeout, func() error {
			image, err := s.seg.Read()
			if err != nil {
				return err
			}
			return s.persist.flush(image)
		})
		if err != nil {
			firstErr = err
		}
	}
	if err := s.seg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	unregisterHandle(s.name)
	s.log.Info("dictionary closed")
	return firstErr
}

// Destroy removes the OS-level segment and lock behind the named
// dictionary. It refuses while this process holds open handles; it cannot
// see other processes' handles, so coordinating with them is the caller's
// job. Destroying a missing dictionary is a no-op.
func Destroy(name string) error {
	if handleCount(name) > 0 {
		return fmt.Errorf("dictionary %q: %w", name, ErrStillOpen)
	}
	if err := shm.DestroySegment(internalshm.SafeName("shm", name)); err != nil {
		return err
	}
	return shm.DestroyLock(internalshm.SafeName("sem", name))
}

func sortedKeys(m map[string]codec.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
