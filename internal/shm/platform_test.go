package shm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeName(t *testing.T) {
	name := SafeName("shm", "orders/cache v2 ünïcode")

	assert.True(t, strings.HasPrefix(name, "shmdict_shm_"))
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, " ")
	assert.Less(t, len(name), 255)

	// Deterministic across processes.
	assert.Equal(t, name, SafeName("shm", "orders/cache v2 ünïcode"))
}

func TestSafeNameDistinct(t *testing.T) {
	assert.NotEqual(t, SafeName("shm", "a"), SafeName("shm", "b"))

	// Same logical name, different prefixes: the segment and its lock
	// must not collide on one file.
	assert.NotEqual(t, SafeName("shm", "a"), SafeName("sem", "a"))
}
