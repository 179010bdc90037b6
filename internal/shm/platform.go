// Package shm contains the platform layer for shared memory regions:
// /dev/shm file lifecycle, memory mapping, futex wait/wake and IPC-safe
// name derivation. Platform-specific implementations live in
// platform_linux.go and futex_linux.go.
package shm

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// MapOptions defines options for mapping a shared memory region.
type MapOptions struct {
	// Name is the file name of the region under the shared memory mount.
	Name string
	// Size is the region size in bytes. Required when creating; ignored
	// when opening an existing region (the file size wins).
	Size int
	// Create requests exclusive creation instead of opening an existing
	// region. Creation fails if the region already exists.
	Create bool
}

// MappedRegion is a memory-mapped shared region backed by a /dev/shm file.
type MappedRegion struct {
	// Data is the mapped byte region, shared with every process that maps
	// the same name.
	Data []byte
	// Name is the region file name.
	Name string
	// Path is the absolute path of the backing file.
	Path string
	// Created reports whether this handle created the region.
	Created bool

	fd int
}

var (
	// ErrPlatformUnsupported is returned on platforms without shared
	// memory support.
	ErrPlatformUnsupported = errors.New("shm: platform not supported")

	// ErrWaitTimeout is returned by FutexWaitTimeout when the wait
	// deadline elapses before the word changes.
	ErrWaitTimeout = errors.New("shm: futex wait timed out")

	// ErrNotReady is returned when a region file exists but its creator
	// has not finished sizing it. Attachers retry with backoff.
	ErrNotReady = errors.New("shm: region not initialized yet")
)

// SafeName derives an IPC-safe file name from an arbitrary logical name.
// Logical dictionary names may contain path separators, spaces or unicode;
// the digest form is always a legal /dev/shm file name. Distinct prefixes
// keep the segment and lock of one logical name from colliding.
func SafeName(prefix, name string) string {
	sum := sha256.Sum256([]byte(prefix + "_" + name))
	return "shmdict_" + prefix + "_" + base64.RawURLEncoding.EncodeToString(sum[:])
}
