package shmdict

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/shmdict/shmdict/pkg/codec"
)

// LiveCheck returns a healthcheck.Check that fails once the store handle is
// closed. Suitable for liveness probes of services embedding a dictionary.
func (s *Store) LiveCheck() healthcheck.Check {
	return func() error {
		if s.closed.Load() {
			return ErrClosed
		}
		return nil
	}
}

// ReadyCheck returns a healthcheck.Check that verifies the dictionary is
// actually usable: the lock is obtainable within timeout and the committed
// image decodes. A dead lock holder or a corrupted region turns the probe
// unready instead of letting traffic pile onto a stuck dictionary.
func (s *Store) ReadyCheck(timeout time.Duration) healthcheck.Check {
	return func() error {
		if s.closed.Load() {
			return ErrClosed
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.lock.With(ctx, timeout, func() error {
			image, err := s.seg.Read()
			if err != nil {
				return err
			}
			_, err = codec.Decode(image)
			return err
		})
		if err != nil {
			if pid, alive, herr := s.lock.HolderAlive(); herr == nil && pid != 0 && !alive {
				return fmt.Errorf("lock held by dead process %d: %w", pid, err)
			}
		}
		return err
	}
}
