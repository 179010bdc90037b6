// Package shmdict implements a key-value store backed by a shared memory
// region on /dev/shm, readable and writable by independent processes on the
// same host, with mutual exclusion enforced by a named futex-based lock and
// optional mirroring of the region to a disk file.
//
// Open a dictionary by name from any number of processes:
//
//	store, err := shmdict.Open(ctx, "sessions", shmdict.Options{
//		Capacity:    1 << 20,
//		PersistPath: "/var/lib/app/sessions.db",
//		SyncPolicy:  shmdict.SyncEveryWrite,
//	})
//
// All processes opening the same name observe the same entries. Operations
// are totally ordered by the lock; each is its own atomic unit and there
// are no transactions spanning operations.
//
// Operational hazard: a process killed while holding the lock leaves it
// held. The store does not break such locks on its own; Lock.HolderAlive
// and Options.AutoUnlock exist to diagnose and, explicitly opted into,
// bypass that state.
package shmdict
