package shmdict

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SyncPolicy selects when the encoded image is mirrored to the backing
// file.
type SyncPolicy int

const (
	// SyncNone never writes the backing file.
	SyncNone SyncPolicy = iota
	// SyncEveryWrite mirrors the image after every committed mutation.
	SyncEveryWrite
	// SyncManual mirrors only on explicit Flush calls and on Close.
	SyncManual
)

func (p SyncPolicy) String() string {
	switch p {
	case SyncNone:
		return "none"
	case SyncEveryWrite:
		return "every-write"
	case SyncManual:
		return "manual"
	default:
		return fmt.Sprintf("SyncPolicy(%d)", int(p))
	}
}

// DefaultCapacity is the segment data area size used when Options.Capacity
// is zero.
const DefaultCapacity = 1 << 20

// DefaultLockTimeout is the lock acquisition timeout used when
// Options.LockTimeout is zero.
const DefaultLockTimeout = 30 * time.Second

// Options configures a dictionary. The zero value is usable: one mebibyte
// of capacity, a 30 second lock timeout, no persistence, no telemetry.
type Options struct {
	// Capacity is the fixed byte size of the image area. It cannot grow
	// after creation; writes that would exceed it fail.
	Capacity uint64

	// PersistPath is the optional backing file the image is mirrored to.
	// Empty disables persistence.
	PersistPath string

	// SyncPolicy selects the mirror trigger. Ignored without PersistPath.
	SyncPolicy SyncPolicy

	// LockTimeout bounds every lock acquisition. Negative waits forever.
	LockTimeout time.Duration

	// AutoUnlock makes operations proceed without the lock after a
	// timeout instead of failing. This forfeits mutual exclusion and
	// exists only as an escape hatch for a lock orphaned by a crashed
	// holder; it is off by default.
	AutoUnlock bool

	// Logger receives operational logging. Nil means no logging.
	Logger *zap.Logger

	// Meter, when set, records an operation counter instrument.
	Meter metric.Meter

	// Tracer, when set, wraps every public operation in a span.
	Tracer trace.Tracer

	// Registerer, when set, registers Prometheus collectors for this
	// dictionary (labeled by dictionary name).
	Registerer prometheus.Registerer
}

// DefaultOptions returns the options a zero Options value resolves to.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	res := o
	if res.Capacity == 0 {
		res.Capacity = DefaultCapacity
	}
	if res.LockTimeout == 0 {
		res.LockTimeout = DefaultLockTimeout
	}
	if res.Logger == nil {
		res.Logger = zap.NewNop()
	}
	if res.PersistPath == "" {
		res.SyncPolicy = SyncNone
	}
	return res
}

func (o Options) validate() error {
	if o.SyncPolicy < SyncNone || o.SyncPolicy > SyncManual {
		return fmt.Errorf("shmdict: unknown sync policy %d", int(o.SyncPolicy))
	}
	if o.SyncPolicy != SyncNone && o.PersistPath == "" {
		return fmt.Errorf("shmdict: sync policy %s requires a persist path", o.SyncPolicy)
	}
	return nil
}
