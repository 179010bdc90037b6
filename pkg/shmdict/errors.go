package shmdict

import "errors"

// ErrKeyNotFound is returned by Get and Delete when the key is absent.
var ErrKeyNotFound = errors.New("shmdict: key not found")

// ErrCorruptFile is returned when the persistence file fails its length or
// checksum validation. A truncated or damaged file is refused outright
// rather than loaded partially.
var ErrCorruptFile = errors.New("shmdict: corrupt persistence file")

// ErrNoPersistence is returned by Flush when the store was opened without a
// backing file.
var ErrNoPersistence = errors.New("shmdict: persistence not configured")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("shmdict: store is closed")

// ErrStillOpen is returned by Destroy when this process still has the
// dictionary open.
var ErrStillOpen = errors.New("shmdict: dictionary still open in this process")
