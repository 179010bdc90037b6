package shmdict

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// storeMetrics holds per-dictionary Prometheus collectors. A nil
// *storeMetrics is valid and records nothing, so the hot path never
// branches on configuration.
type storeMetrics struct {
	ops        *prometheus.CounterVec
	lockWait   prometheus.Histogram
	imageBytes prometheus.Gauge
	flushes    prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer, dict string) (*storeMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"dictionary": dict}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shmdict_operations_total",
			Help:        "Completed dictionary operations.",
			ConstLabels: labels,
		}, []string{"op"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "shmdict_lock_wait_seconds",
			Help:        "Time spent acquiring the cross-process lock.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
		imageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shmdict_image_bytes",
			Help:        "Size of the last committed encoded image.",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmdict_flushes_total",
			Help:        "Images mirrored to the persistence file.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{m.ops, m.lockWait, m.imageBytes, m.flushes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *storeMetrics) observeOp(op string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
}

func (m *storeMetrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *storeMetrics) setImageBytes(n int) {
	if m == nil {
		return
	}
	m.imageBytes.Set(float64(n))
}

func (m *storeMetrics) observeFlush() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}
