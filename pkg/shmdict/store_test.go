package shmdict

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmdict/shmdict/pkg/codec"
	"github.com/shmdict/shmdict/pkg/shm"
)

func testDictName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("%s/%d/%d", t.Name(), os.Getpid(), time.Now().UnixNano())
	t.Cleanup(func() {
		_ = Destroy(name)
	})
	return name
}

func openTestStore(t *testing.T, name string, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), name, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(1)))

	// Overwrite keeps a single entry.
	require.NoError(t, s.Set(ctx, "a", codec.String("two")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.String("two")))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrKeyNotFound)

	ok, err = s.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetDefault(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	v, err := s.GetDefault(ctx, "absent", codec.Int(42))
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(42)))

	require.NoError(t, s.Set(ctx, "absent", codec.Int(7)))
	v, err = s.GetDefault(ctx, "absent", codec.Int(42))
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(7)))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	require.NoError(t, s.Update(ctx, map[string]codec.Value{
		"c": codec.Int(3),
		"a": codec.Int(1),
		"b": codec.Int(2),
	}))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	vals, err := s.Values(ctx)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.True(t, vals[0].Equal(codec.Int(1)))
	assert.True(t, vals[2].Equal(codec.Int(3)))

	items, err := s.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Items is a snapshot: mutating it does not touch the dictionary.
	items["d"] = codec.Int(4)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClearAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	require.NoError(t, s.Clear(ctx)) // clearing empty is fine

	require.NoError(t, s.Update(ctx, map[string]codec.Value{
		"x": codec.Bool(true),
		"y": codec.Float(2.5),
	}))
	require.NoError(t, s.Clear(ctx))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCrossHandleVisibility(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)

	// Two independently opened handles, as two processes would hold
	// them: same segment, same lock, no shared Go state.
	writer := openTestStore(t, name, Options{})
	reader := openTestStore(t, name, Options{})

	assert.True(t, Same(writer, reader))

	require.NoError(t, writer.Set(ctx, "shared", codec.Bytes([]byte{1, 2, 3})))
	v, err := reader.Get(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Bytes([]byte{1, 2, 3})))

	other := openTestStore(t, testDictName(t), Options{})
	assert.False(t, Same(writer, other))
}

// incr is the canonical read-modify-write: one lock hold, one committed
// image.
func incr(ctx context.Context, s *Store, key string) error {
	return s.Mutate(ctx, func(m map[string]codec.Value) error {
		var cur int64
		if v, ok := m[key]; ok {
			cur, _ = v.IntValue()
		}
		m[key] = codec.Int(cur + 1)
		return nil
	})
}

func TestMutateErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))

	sentinel := fmt.Errorf("business rule violated")
	err := s.Mutate(ctx, func(m map[string]codec.Value) error {
		m["a"] = codec.Int(99)
		m["b"] = codec.Int(2)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(1)))

	ok, err := s.Contains(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentIncrementsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)

	const (
		workers = 8
		rounds  = 100
	)

	stores := make([]*Store, workers)
	for i := range stores {
		stores[i] = openTestStore(t, name, Options{LockTimeout: 30 * time.Second})
	}

	pool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		s := stores[i]
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				assert.NoError(t, incr(ctx, s, "counter"))
			}
		}))
	}
	wg.Wait()

	v, err := stores[0].Get(ctx, "counter")
	require.NoError(t, err)
	got, _ := v.IntValue()
	assert.Equal(t, int64(workers*rounds), got, "lost updates under contention")
}

func TestCapacityExceededLeavesImage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{Capacity: 256})

	require.NoError(t, s.Set(ctx, "small", codec.String("ok")))

	err := s.Set(ctx, "big", codec.Bytes(make([]byte, 1024)))
	assert.ErrorIs(t, err, shm.ErrCapacityExceeded)

	// The oversized write must not have clobbered the committed image.
	v, err := s.Get(ctx, "small")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.String("ok")))

	ok, err := s.Contains(ctx, "big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockTimeoutPerformsNoMutation(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)

	blocker := openTestStore(t, name, Options{})
	victim := openTestStore(t, name, Options{LockTimeout: 50 * time.Millisecond})

	require.NoError(t, blocker.lock.Acquire(ctx, time.Second))

	err := victim.Set(ctx, "k", codec.Int(1))
	assert.ErrorIs(t, err, shm.ErrLockTimeout)

	require.NoError(t, blocker.lock.Release())

	ok, err := victim.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "timed-out operation must not mutate")
}

func TestAutoUnlockBypassesStuckLock(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)

	blocker := openTestStore(t, name, Options{})
	bypasser := openTestStore(t, name, Options{
		LockTimeout: 50 * time.Millisecond,
		AutoUnlock:  true,
	})

	require.NoError(t, blocker.lock.Acquire(ctx, time.Second))
	defer blocker.lock.Release()

	// With AutoUnlock the operation proceeds despite the held lock.
	require.NoError(t, bypasser.Set(ctx, "k", codec.Int(1)))

	v, err := bypasser.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(1)))
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncEveryWrite,
	})
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	require.NoError(t, s.Close())

	// Drop the in-memory segment entirely; only the file remains.
	require.NoError(t, Destroy(name))

	fresh := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncEveryWrite,
	})
	v, err := fresh.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.Int(1)))
}

func TestManualFlush(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncManual,
	})
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "manual policy must not write before Flush")

	require.NoError(t, s.Flush(ctx))
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestFlushWithoutPersistence(t *testing.T) {
	s := openTestStore(t, testDictName(t), Options{})
	assert.ErrorIs(t, s.Flush(context.Background()), ErrNoPersistence)
}

func TestCloseFlushesDirtyImage(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncManual,
	})
	require.NoError(t, s.Set(ctx, "a", codec.String("kept")))
	require.NoError(t, s.Close())
	require.NoError(t, Destroy(name))

	fresh := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncManual,
	})
	v, err := fresh.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, v.Equal(codec.String("kept")))
}

func TestCloseNeverFlushesWithSyncNone(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	// PersistPath with SyncNone means the file only serves seeding and
	// explicit Flush; the clean-shutdown mirror stays off too.
	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncNone,
	})
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	require.NoError(t, s.Close())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "SyncNone must never write the backing file")
}

func TestCloseFlushesWithUnboundedLockTimeout(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncManual,
		LockTimeout: -1,
	})
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	require.NoError(t, s.Close())

	_, err := os.Stat(path)
	require.NoError(t, err, "wait-forever configuration must still flush on close")
}

func TestCorruptFileRefused(t *testing.T) {
	ctx := context.Background()
	name := testDictName(t)
	path := filepath.Join(t.TempDir(), "dict.db")

	s := openTestStore(t, name, Options{
		PersistPath: path,
		SyncPolicy:  SyncEveryWrite,
	})
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	require.NoError(t, s.Close())
	require.NoError(t, Destroy(name))

	// Truncate by one byte: load must refuse, not return partial data.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	_, err = Open(ctx, name, Options{PersistPath: path, SyncPolicy: SyncEveryWrite})
	assert.ErrorIs(t, err, ErrCorruptFile)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "k", codec.Int(1)), ErrClosed)

	// Closing twice is fine.
	assert.NoError(t, s.Close())
}

func TestDestroyWhileOpen(t *testing.T) {
	name := testDictName(t)
	s := openTestStore(t, name, Options{})

	assert.ErrorIs(t, Destroy(name), ErrStillOpen)

	require.NoError(t, s.Close())
	assert.NoError(t, Destroy(name))
	assert.NoError(t, Destroy(name)) // idempotent
}

func TestGenerationAdvancesOnMutation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDictName(t), Options{})

	gen := s.Generation()
	require.NoError(t, s.Set(ctx, "a", codec.Int(1)))
	assert.Greater(t, s.Generation(), gen)

	// Reads leave the generation alone.
	gen = s.Generation()
	_, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, gen, s.Generation())
}
