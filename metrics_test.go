package redisession

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLockAcquired)

	if got := m.Value(MetricLockAcquired); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricWriteSuccess)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricWriteSuccess); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		time.Millisecond,
		10 * time.Millisecond,
		100 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		5 * time.Second,
		15 * time.Second,
		time.Minute,
	}

	for _, d := range observations {
		m.Observe(MetricLockWaitLatency, d)
	}

	buckets := m.Snapshot().Histograms[MetricLockWaitLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsIgnoreNonHistogramObserve(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricWriteSuccess, time.Second)
	if _, ok := m.Snapshot().Histograms[MetricWriteSuccess]; ok {
		t.Fatal("only the lock wait histogram is recorded")
	}
}

func TestHandlerRecordsOutcomeCounters(t *testing.T) {
	h, mr, done := newTestHandler(t, func(cfg *Config) {
		cfg.Lock.BreakAfter = 10 * time.Millisecond
	})
	defer done()
	ctx := context.Background()

	req := h.Open("", "PHPSESSID")
	if _, err := req.Read(ctx, "m1"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := req.Write(ctx, "m1", []byte("v")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mr.HSet("sess_m2", "lock", "1", "pid", "stale")
	if _, err := h.Open("", "PHPSESSID").Read(ctx, "m2"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := h.Open("", "PHPSESSID").Destroy(ctx, "m1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	snap := h.MetricsSnapshot()
	want := map[MetricID]uint64{
		MetricLockAcquired: 1,
		MetricLockBroken:   1,
		MetricWriteSuccess: 1,
		MetricDestroy:      1,
	}
	for id, v := range want {
		if snap.Counters[id] != v {
			t.Fatalf("metric %d: expected %d, got %d", id, v, snap.Counters[id])
		}
	}

	var waits uint64
	for _, v := range snap.Histograms[MetricLockWaitLatency] {
		waits += v
	}
	if waits != 2 {
		t.Fatalf("expected 2 lock wait observations, got %d", waits)
	}
}
