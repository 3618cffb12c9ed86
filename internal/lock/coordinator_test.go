package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/redisession/connection"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCoordinatorTest(t *testing.T, cfg Config) (*Coordinator, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, cfg, nil), mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func fastConfig() Config {
	return Config{
		BreakAfter:     time.Hour,
		BreakModulo:    1,
		FailAfter:      time.Hour,
		RetryInterval:  5 * time.Millisecond,
		MaxConcurrency: 6,
	}
}

func TestAcquireUnlockedRecord(t *testing.T) {
	c, mr, done := newCoordinatorTest(t, fastConfig())
	defer done()

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_a", Identity: "w1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Outcome != Acquired || !res.HasLock() {
		t.Fatalf("expected Acquired, got %s", res.Outcome)
	}
	if res.Tries != 0 {
		t.Fatalf("expected zero retries, got %d", res.Tries)
	}
	if got := mr.HGet("sess_a", FieldPID); got != "w1" {
		t.Fatalf("expected pid w1, got %q", got)
	}
	if got := mr.HGet("sess_a", FieldLock); got != "1" {
		t.Fatalf("expected lock 1, got %q", got)
	}
	if mr.Exists("sess_a") && mr.HGet("sess_a", FieldWait) != "" {
		t.Fatal("uncontended acquisition must not register as a waiter")
	}
	if ttl := mr.TTL("sess_a"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
}

func TestAcquireRejectsWhenTooManyWaiters(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrency = 3
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_hot", FieldLock, "1", FieldPID, "other", FieldWait, "3")

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_hot", Identity: "w1", TTL: time.Minute})
	if !errors.Is(err, ErrConcurrencyExceeded) {
		t.Fatalf("expected ErrConcurrencyExceeded, got %v", err)
	}
	if res.Outcome != Rejected || res.HasLock() {
		t.Fatalf("expected Rejected without lock, got %s", res.Outcome)
	}
	if got := mr.HGet("sess_hot", FieldWait); got != "3" {
		t.Fatalf("wait counter must return to 3, got %q", got)
	}
	if got := mr.HGet("sess_hot", FieldPID); got != "other" {
		t.Fatalf("holder must be untouched, got %q", got)
	}
}

func TestAcquireBreaksStaleLock(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakAfter = 10 * time.Millisecond
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_b", FieldLock, "1", FieldPID, "crashed")

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_b", Identity: "w2", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Outcome != Broken || !res.HasLock() {
		t.Fatalf("expected Broken, got %s", res.Outcome)
	}
	if res.Tries != 2 {
		t.Fatalf("expected break after 2 retries, got %d", res.Tries)
	}
	if res.PreviousPID != "crashed" {
		t.Fatalf("expected previous pid crashed, got %q", res.PreviousPID)
	}
	if got := mr.HGet("sess_b", FieldPID); got != "w2" {
		t.Fatalf("expected pid w2, got %q", got)
	}
	if got := mr.HGet("sess_b", FieldLock); got != "1" {
		t.Fatalf("expected lock reset to 1, got %q", got)
	}
	if got := mr.HGet("sess_b", FieldWait); got != "0" {
		t.Fatalf("wait counter must return to 0, got %q", got)
	}
}

func TestAcquireBreakHonoursModulo(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakAfter = 0
	cfg.BreakModulo = 4
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_m", FieldLock, "1", FieldPID, "other")

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_m", Identity: "w3", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Outcome != Broken {
		t.Fatalf("expected Broken, got %s", res.Outcome)
	}
	if res.Counter%4 != 0 {
		t.Fatalf("break must happen on a multiple of the modulo, counter=%d", res.Counter)
	}
	if res.Tries != 2 {
		t.Fatalf("expected counter 4 after 2 retries, got %d", res.Tries)
	}
}

func TestAcquireTimesOutSoftly(t *testing.T) {
	cfg := fastConfig()
	cfg.FailAfter = 15 * time.Millisecond
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_t", FieldLock, "1", FieldPID, "busy")

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_t", Identity: "w4", TTL: time.Minute})
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if res.Outcome != TimedOut || res.HasLock() {
		t.Fatalf("expected TimedOut without lock, got %s", res.Outcome)
	}
	if res.Tries != 3 {
		t.Fatalf("expected 3 retries, got %d", res.Tries)
	}
	if got := mr.HGet("sess_t", FieldPID); got != "busy" {
		t.Fatalf("holder must be untouched, got %q", got)
	}
	if got := mr.HGet("sess_t", FieldWait); got != "0" {
		t.Fatalf("wait counter must return to 0, got %q", got)
	}
}

func TestAcquireCancelledReleasesWait(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryInterval = time.Hour
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_c", FieldLock, "1", FieldPID, "busy", FieldWait, "2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, Attempt{Key: "sess_c", Identity: "w5", TTL: time.Minute})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := mr.HGet("sess_c", FieldWait); got != "2" {
		t.Fatalf("wait counter must return to 2 after cancellation, got %q", got)
	}
}

func TestAcquireUnreachableStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()
	c := New(rdb, fastConfig(), nil)

	_, err = c.Acquire(context.Background(), Attempt{Key: "sess_x", Identity: "w6", TTL: time.Minute})
	if !errors.Is(err, connection.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
}

func TestTriesRoundsUp(t *testing.T) {
	cases := []struct {
		d, interval time.Duration
		want        int
	}{
		{0, time.Second, 0},
		{-time.Second, time.Second, 0},
		{time.Second, time.Second, 1},
		{1500 * time.Millisecond, time.Second, 2},
		{30 * time.Second, time.Second, 30},
	}
	for _, tc := range cases {
		if got := tries(tc.d, tc.interval); got != tc.want {
			t.Fatalf("tries(%v, %v) = %d, want %d", tc.d, tc.interval, got, tc.want)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		Acquired: "acquired",
		Broken:   "broken",
		TimedOut: "timed_out",
		Rejected: "rejected",
		Disabled: "disabled",
		ReadOnly: "read_only",
		0:        "unknown",
	} {
		if got := o.String(); got != want {
			t.Fatalf("%d: got %q, want %q", o, got, want)
		}
	}
}

func TestAcquireUsesConfiguredBreakAfterWithoutOverride(t *testing.T) {
	cfg := fastConfig()
	cfg.FailAfter = 15 * time.Millisecond
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_live", FieldLock, "1", FieldPID, "holder")

	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_live", Identity: "w6", TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("a live holder must not be broken before Config.BreakAfter, got %s", res.Outcome)
	}
	if got := mr.HGet("sess_live", FieldPID); got != "holder" {
		t.Fatalf("holder must be untouched, got %q", got)
	}
}

func TestAcquireZeroOverrideBreaksImmediately(t *testing.T) {
	c, mr, done := newCoordinatorTest(t, fastConfig())
	defer done()

	mr.HSet("sess_z", FieldLock, "1", FieldPID, "holder")

	zero := time.Duration(0)
	res, err := c.Acquire(context.Background(), Attempt{Key: "sess_z", Identity: "w7", TTL: time.Minute, BreakAfter: &zero})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Outcome != Broken || res.Tries != 0 {
		t.Fatalf("expected Broken with no retries, got %s after %d", res.Outcome, res.Tries)
	}
	if res.PreviousPID != "holder" {
		t.Fatalf("expected previous pid holder, got %q", res.PreviousPID)
	}
}

func TestWaitReleaseDoesNotRecreateDestroyedRecord(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryInterval = time.Hour
	c, mr, done := newCoordinatorTest(t, cfg)
	defer done()

	mr.HSet("sess_gone", FieldLock, "1", FieldPID, "holder")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, Attempt{Key: "sess_gone", Identity: "w8", TTL: time.Minute})
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mr.HGet("sess_gone", FieldWait) != "1" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	mr.Del("sess_gone")
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mr.Exists("sess_gone") {
		t.Fatalf("released wait slot recreated the record: wait=%q", mr.HGet("sess_gone", FieldWait))
	}
}

func TestWaitReleaseNeverGoesNegative(t *testing.T) {
	c, mr, done := newCoordinatorTest(t, fastConfig())
	defer done()

	mr.HSet("sess_n", FieldLock, "1", FieldPID, "holder")

	ctx := context.Background()
	c.releaseWait(ctx, "sess_n", c.logger)
	if mr.HGet("sess_n", FieldWait) != "" {
		t.Fatal("release without a registered waiter must not touch the counter")
	}

	mr.HSet("sess_n", FieldWait, "0")
	c.releaseWait(ctx, "sess_n", c.logger)
	if got := mr.HGet("sess_n", FieldWait); got != "0" {
		t.Fatalf("wait counter must clamp at 0, got %q", got)
	}
}
