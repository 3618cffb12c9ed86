package internaldefs

import (
	"github.com/MrEthical07/redisession"
)

// CounterDef maps a counter to its exported name.
type CounterDef struct {
	ID   redisession.MetricID
	Name string
	Help string
}

// HistogramDef maps a histogram to its exported name.
type HistogramDef struct {
	ID   redisession.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: redisession.MetricLockAcquired, Name: "redisession_lock_acquired_total", Help: "Reads that found the session unlocked."},
	{ID: redisession.MetricLockBroken, Name: "redisession_lock_broken_total", Help: "Reads that broke a stale session lock."},
	{ID: redisession.MetricLockTimedOut, Name: "redisession_lock_timed_out_total", Help: "Reads that gave up waiting for the session lock."},
	{ID: redisession.MetricLockRejected, Name: "redisession_lock_rejected_total", Help: "Reads rejected because too many requests were waiting."},
	{ID: redisession.MetricLockDisabled, Name: "redisession_lock_disabled_total", Help: "Reads served with locking disabled."},
	{ID: redisession.MetricLockReadOnly, Name: "redisession_lock_read_only_total", Help: "Reads from read-only requests."},
	{ID: redisession.MetricWriteSuccess, Name: "redisession_write_success_total", Help: "Committed session writes."},
	{ID: redisession.MetricWriteSkipped, Name: "redisession_write_skipped_total", Help: "Writes skipped because another worker owned the lock."},
	{ID: redisession.MetricWriteFailed, Name: "redisession_write_failed_total", Help: "Writes that failed with a storage error."},
	{ID: redisession.MetricCodecFallback, Name: "redisession_codec_fallback_total", Help: "Payloads stored uncompressed after a compressor error."},
	{ID: redisession.MetricDestroy, Name: "redisession_destroy_total", Help: "Destroyed sessions."},
	{ID: redisession.MetricConnectivityError, Name: "redisession_connectivity_error_total", Help: "Operations that could not reach Redis."},
	{ID: redisession.MetricDecodeFailed, Name: "redisession_decode_failed_total", Help: "Reads that discarded an undecodable session payload."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: redisession.MetricLockWaitLatency, Name: "redisession_lock_wait_seconds", Help: "Time spent acquiring the session lock."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds; the last
// bucket is +Inf.
var HistogramUpperBounds = []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15}

// HistogramBoundSuffix names each bucket in instrument names.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_01",
	"0_1",
	"0_5",
	"1",
	"5",
	"15",
	"inf",
}

// NormalizeBuckets pads or truncates raw to eight buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
