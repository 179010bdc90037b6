// Package shm provides the two cross-process primitives the dictionary is
// built on: a named fixed-capacity shared memory segment and a named
// futex-based mutex.
//
// Both are backed by files on /dev/shm so unrelated processes can find them
// by name. Creation is always exclusive (first-creator-wins); attachers
// never initialize. Platform-specific mechanics live in internal/shm.
package shm
