package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/redisession/connection"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// ErrConcurrencyExceeded is returned when admission control rejects a
// waiter because too many requests are already queued on one session.
var ErrConcurrencyExceeded = errors.New("too many concurrent waiters for session")

// Record field names shared with operator tooling.
const (
	FieldData   = "data"
	FieldLock   = "lock"
	FieldPID    = "pid"
	FieldWait   = "wait"
	FieldWrites = "writes"
)

const releaseTimeout = 2 * time.Second

// Outcome is the terminal state of one acquisition attempt.
type Outcome uint8

const (
	// Acquired means the lock counter was observed at 1.
	Acquired Outcome = iota + 1
	// Broken means a stale lock was taken over after BreakAfter.
	Broken
	// TimedOut means FailAfter elapsed; the read proceeds without the lock.
	TimedOut
	// Rejected means admission control turned the request away.
	Rejected
	// Disabled means locking is switched off and the lock is always granted.
	Disabled
	// ReadOnly means the request never asked for the lock.
	ReadOnly
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Broken:
		return "broken"
	case TimedOut:
		return "timed_out"
	case Rejected:
		return "rejected"
	case Disabled:
		return "disabled"
	case ReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// Config tunes the acquisition loop.
type Config struct {
	BreakAfter     time.Duration
	BreakModulo    int
	FailAfter      time.Duration
	RetryInterval  time.Duration
	MaxConcurrency int
}

// Attempt describes one acquisition for one record.
type Attempt struct {
	Key      string
	Identity string
	TTL      time.Duration
	// BreakAfter overrides Config.BreakAfter for this attempt when non-nil.
	// A zero override breaks on the first contended counter that satisfies
	// the modulo.
	BreakAfter *time.Duration
}

// Result reports how an acquisition ended.
type Result struct {
	Outcome Outcome
	// Tries is the number of retries consumed (sleeps taken).
	Tries int
	// Counter is the last lock value observed.
	Counter int64
	// PreviousPID is the holder displaced by a Broken acquisition.
	PreviousPID string
	Waited      time.Duration
}

// HasLock reports whether the caller may treat the record as its own.
func (r Result) HasLock() bool {
	return r.Outcome == Acquired || r.Outcome == Broken || r.Outcome == Disabled
}

// Coordinator runs the counter-based lock protocol against Redis hashes.
// It holds no per-request state and is safe for concurrent use.
type Coordinator struct {
	redis  redis.UniversalClient
	cfg    Config
	logger pslog.Logger
}

// New creates a [Coordinator].
func New(client redis.UniversalClient, cfg Config, logger pslog.Logger) *Coordinator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.BreakModulo <= 0 {
		cfg.BreakModulo = 1
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Coordinator{redis: client, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Acquire runs the acquisition loop for a.Key.
//
// Every iteration increments the lock counter. A value of 1 means the record
// was unlocked. After BreakAfter worth of retries, a waiter whose counter
// value is a multiple of BreakModulo takes the lock over; more than one
// waiter can do so, and the last writer wins. On the first contended
// iteration the waiter registers in the wait counter and is rejected with
// [ErrConcurrencyExceeded] once MaxConcurrency is reached. After FailAfter
// worth of retries the loop gives up and returns TimedOut with a nil error.
//
// A wait registration is always undone before returning, including when ctx
// is cancelled mid-sleep.
func (c *Coordinator) Acquire(ctx context.Context, a Attempt) (res Result, err error) {
	start := time.Now()
	breakAfter := c.cfg.BreakAfter
	if a.BreakAfter != nil {
		breakAfter = *a.BreakAfter
	}
	breakAfterTries := tries(breakAfter, c.cfg.RetryInterval)
	failAfterTries := tries(c.cfg.FailAfter, c.cfg.RetryInterval)
	logger := c.logger.With("key", a.Key)

	waiting := false
	defer func() {
		res.Waited = time.Since(start)
		if waiting {
			c.releaseWait(ctx, a.Key, logger)
		}
	}()

	for {
		n, incrErr := c.redis.HIncrBy(ctx, a.Key, FieldLock, 1).Result()
		if incrErr != nil {
			return res, unavailable(ctx, incrErr)
		}
		res.Counter = n

		if n == 1 {
			if err := c.take(ctx, a, nil); err != nil {
				return res, err
			}
			res.Outcome = Acquired
			if res.Tries > 0 {
				logger.Debug("session.lock.acquired", "tries", res.Tries)
			}
			return res, nil
		}

		if res.Tries >= breakAfterTries && n%int64(c.cfg.BreakModulo) == 0 {
			if err := c.take(ctx, a, &res.PreviousPID); err != nil {
				return res, err
			}
			res.Outcome = Broken
			logger.Info("session.lock.broken",
				"tries", res.Tries,
				"counter", n,
				"previous_pid", res.PreviousPID,
			)
			return res, nil
		}

		if res.Tries == 0 && !waiting {
			w, waitErr := c.redis.HIncrBy(ctx, a.Key, FieldWait, 1).Result()
			if waitErr != nil {
				return res, unavailable(ctx, waitErr)
			}
			waiting = true
			if c.cfg.MaxConcurrency > 0 && w >= int64(c.cfg.MaxConcurrency) {
				res.Outcome = Rejected
				logger.Warn("session.lock.concurrency_exceeded",
					"waiting", w-1,
					"max_concurrency", c.cfg.MaxConcurrency,
				)
				return res, ErrConcurrencyExceeded
			}
		}

		if res.Tries >= failAfterTries {
			res.Outcome = TimedOut
			logger.Info("session.lock.timeout", "tries", res.Tries, "counter", n)
			return res, nil
		}

		logger.Trace("session.lock.wait", "tries", res.Tries, "counter", n)
		if err := sleep(ctx, c.cfg.RetryInterval); err != nil {
			return res, err
		}
		res.Tries++
	}
}

// take claims the record: pid=self, lock=1, TTL re-armed, in one MULTI.
// When previous is non-nil it receives the pid that was displaced.
func (c *Coordinator) take(ctx context.Context, a Attempt, previous *string) error {
	var prev *redis.StringCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil {
			prev = pipe.HGet(ctx, a.Key, FieldPID)
		}
		pipe.HSet(ctx, a.Key, FieldPID, a.Identity, FieldLock, 1)
		pipe.Expire(ctx, a.Key, a.TTL)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(ctx, err)
	}
	if previous != nil && prev != nil {
		*previous = prev.Val()
	}
	return nil
}

// releaseWaitLua gives back a wait slot only while the record exists and
// still counts a waiter, so a record destroyed mid-wait is not recreated as
// an orphan hash with a negative counter and no TTL.
var releaseWaitLua = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == false then
	return -1
end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n < 0 then
	redis.call('HSET', KEYS[1], ARGV[1], 0)
	return 0
end
return n
`)

func (c *Coordinator) releaseWait(ctx context.Context, key string, logger pslog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	n, err := releaseWaitLua.Run(releaseCtx, c.redis, []string{key}, FieldWait).Int64()
	if err != nil {
		logger.Error("session.lock.wait_release_failed", "error", err)
		return
	}
	if n < 0 {
		logger.Debug("session.lock.wait_release_skipped", "reason", "record_gone")
	}
}

func tries(d, interval time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := d / interval
	if d%interval != 0 {
		n++
	}
	return int(n)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", connection.ErrConnectivity, err)
}
