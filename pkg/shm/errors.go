package shm

import "errors"

// ErrNotFound is returned when attaching to a segment or lock that does not
// exist.
var ErrNotFound = errors.New("shm: not found")

// ErrAlreadyExists is returned when creating a segment or lock whose name is
// already taken.
var ErrAlreadyExists = errors.New("shm: already exists")

// ErrCapacityExceeded is returned by Segment.Write when the image does not
// fit in the region. The previously committed image is left untouched.
var ErrCapacityExceeded = errors.New("shm: capacity exceeded")

// ErrLockTimeout is returned when the lock cannot be acquired within the
// configured timeout.
var ErrLockTimeout = errors.New("shm: lock acquisition timed out")

// ErrInvalidSegment is returned when an attached region fails header
// validation (wrong magic, version, or a header inconsistent with the
// region size).
var ErrInvalidSegment = errors.New("shm: invalid segment header")

// errNotReady marks a region that exists but whose creator has not finished
// initializing it. AttachOrCreate retries on it.
var errNotReady = errors.New("shm: segment not initialized yet")
