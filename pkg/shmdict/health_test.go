package shmdict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmdict/shmdict/pkg/shm"
)

func TestLiveCheck(t *testing.T) {
	s := openTestStore(t, testDictName(t), Options{})
	check := s.LiveCheck()

	assert.NoError(t, check())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, check(), ErrClosed)
}

func TestReadyCheck(t *testing.T) {
	name := testDictName(t)
	s := openTestStore(t, name, Options{})
	check := s.ReadyCheck(100 * time.Millisecond)

	assert.NoError(t, check())

	// While another handle holds the lock the probe reports unready.
	blocker := openTestStore(t, name, Options{})
	require.NoError(t, blocker.lock.Acquire(context.Background(), time.Second))

	assert.ErrorIs(t, check(), shm.ErrLockTimeout)

	require.NoError(t, blocker.lock.Release())
	assert.NoError(t, check())
}
