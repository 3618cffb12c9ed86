package redisession

import (
	"sync/atomic"
	"time"

	"github.com/MrEthical07/redisession/internal/lock"
)

// MetricID identifies one in-process counter or histogram.
type MetricID uint16

const (
	// MetricLockAcquired counts reads that found the session unlocked.
	MetricLockAcquired MetricID = iota
	// MetricLockBroken counts reads that took over a stale lock.
	MetricLockBroken
	// MetricLockTimedOut counts reads that gave up waiting.
	MetricLockTimedOut
	// MetricLockRejected counts reads turned away by admission control.
	MetricLockRejected
	// MetricLockDisabled counts reads served with locking switched off.
	MetricLockDisabled
	// MetricLockReadOnly counts reads from read-only requests.
	MetricLockReadOnly
	// MetricWriteSuccess counts committed writes.
	MetricWriteSuccess
	// MetricWriteSkipped counts writes skipped because another worker owns
	// the lock.
	MetricWriteSkipped
	// MetricWriteFailed counts writes that hit a storage error.
	MetricWriteFailed
	// MetricCodecFallback counts payloads stored raw after a compressor error.
	MetricCodecFallback
	// MetricDestroy counts destroyed sessions.
	MetricDestroy
	// MetricConnectivityError counts operations that could not reach Redis.
	MetricConnectivityError
	// MetricDecodeFailed counts reads that found an undecodable payload and
	// served an empty session instead.
	MetricDecodeFailed
	// MetricLockWaitLatency is the lock acquisition wait histogram.
	MetricLockWaitLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock and write counters. The zero value is disabled.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of [Metrics].
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a [Metrics] from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the wait histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram for id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricLockWaitLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters. A disabled Metrics yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricLockWaitLatency].buckets[i])
		}
		s.Histograms[MetricLockWaitLatency] = buckets
	}

	return s
}

func (m *Metrics) recordOutcome(o lock.Outcome) {
	switch o {
	case lock.Acquired:
		m.Inc(MetricLockAcquired)
	case lock.Broken:
		m.Inc(MetricLockBroken)
	case lock.TimedOut:
		m.Inc(MetricLockTimedOut)
	case lock.Rejected:
		m.Inc(MetricLockRejected)
	case lock.Disabled:
		m.Inc(MetricLockDisabled)
	case lock.ReadOnly:
		m.Inc(MetricLockReadOnly)
	}
}

// Bucket upper bounds: 1ms, 10ms, 100ms, 500ms, 1s, 5s, 15s, +Inf.
func bucketIndex(d time.Duration) int {
	switch {
	case d <= time.Millisecond:
		return 0
	case d <= 10*time.Millisecond:
		return 1
	case d <= 100*time.Millisecond:
		return 2
	case d <= 500*time.Millisecond:
		return 3
	case d <= time.Second:
		return 4
	case d <= 5*time.Second:
		return 5
	case d <= 15*time.Second:
		return 6
	default:
		return 7
	}
}
