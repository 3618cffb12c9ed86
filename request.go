package redisession

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/redisession/internal/lock"
	"github.com/MrEthical07/redisession/lifetime"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// LockOutcome reports how lock acquisition ended for a request.
type LockOutcome = lock.Outcome

const (
	OutcomeAcquired = lock.Acquired
	OutcomeBroken   = lock.Broken
	OutcomeTimedOut = lock.TimedOut
	OutcomeRejected = lock.Rejected
	OutcomeDisabled = lock.Disabled
	OutcomeReadOnly = lock.ReadOnly
)

// RequestOption configures a [Request] at open time.
type RequestOption func(*Request)

// ReadOnly opens a request that never takes the lock and never writes.
func ReadOnly() RequestOption {
	return func(r *Request) {
		r.readOnly = true
	}
}

// Bot marks the visitor as a crawler for lifetime selection.
func Bot(isBot bool) RequestOption {
	return func(r *Request) {
		r.class.Bot = isBot
	}
}

// UserAgent classifies the visitor with [lifetime.IsBot].
func UserAgent(userAgent string) RequestOption {
	return func(r *Request) {
		r.class.Bot = lifetime.IsBot(userAgent)
	}
}

// NewSession tells the request whether this is the visitor's first
// request. Without it, Read infers it from the record's write counter.
func NewSession(isNew bool) RequestOption {
	return func(r *Request) {
		r.class.New = isNew
		r.newKnown = true
	}
}

// Request is the per-request view of one session: lock state, retry count
// and write bookkeeping. A Request is used by one goroutine at a time and is
// discarded after Close.
type Request struct {
	h        *Handler
	name     string
	identity string
	logger   pslog.Logger

	readOnly bool
	class    lifetime.Classification
	newKnown bool

	hasLock        bool
	tries          int
	outcome        lock.Outcome
	writeAttempted bool
	skipped        error
	ttl            time.Duration
}

// Read acquires the session lock and returns the decoded payload. A missing
// session yields a nil payload and a nil error, as does a stored payload
// that cannot be decoded: the request starts from an empty session and
// its Write overwrites the unreadable record.
//
// Lock timeouts are soft: the payload is still returned, but the request
// will not own the lock and its Write will be skipped if another worker
// holds it. Admission control returns [ErrConcurrencyExceeded]; an
// unreachable store returns an error wrapping [ErrConnectivity].
func (r *Request) Read(ctx context.Context, id string) ([]byte, error) {
	if r.h.closed.Load() {
		return nil, ErrHandlerClosed
	}
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	key := r.h.Key(id)
	logger := r.logger.With("session_id", id)

	switch {
	case r.readOnly:
		r.outcome = lock.ReadOnly
	case r.h.config.Lock.Disable:
		r.outcome = lock.Disabled
		r.hasLock = true
	default:
		res, err := r.h.locker.Acquire(ctx, lock.Attempt{
			Key:        key,
			Identity:   r.identity,
			TTL:        r.h.policy.TTL(r.class),
			BreakAfter: r.h.config.breakAfterOverride(r.name),
		})
		r.tries = res.Tries
		r.outcome = res.Outcome
		r.h.lastLockAttempts.Store(int64(res.Tries))
		r.h.metrics.Observe(MetricLockWaitLatency, res.Waited)

		if err != nil {
			switch {
			case errors.Is(err, ErrConcurrencyExceeded):
				r.writeAttempted = true
				r.h.metrics.recordOutcome(lock.Rejected)
				r.h.emit(ctx, AuditEvent{
					EventType:   AuditConcurrencyRejected,
					SessionID:   id,
					SessionName: r.name,
					Identity:    r.identity,
				})
			case errors.Is(err, ErrConnectivity):
				r.h.metrics.Inc(MetricConnectivityError)
			}
			return nil, err
		}
		r.hasLock = res.HasLock()
		if res.Outcome == lock.Broken {
			r.h.emit(ctx, AuditEvent{
				EventType:   AuditLockBroken,
				SessionID:   id,
				SessionName: r.name,
				Identity:    r.identity,
				PreviousPID: res.PreviousPID,
				Tries:       res.Tries,
			})
		}
	}
	r.h.metrics.recordOutcome(r.outcome)

	vals, err := r.h.redis.HMGet(ctx, key, lock.FieldData, lock.FieldWrites).Result()
	if err != nil {
		logger.Error("session.read.failed", "error", err)
		return nil, r.h.unavailable(err)
	}

	if !r.newKnown {
		r.class.New = parseCounter(vals[1]) == 0
	}
	r.ttl = r.h.policy.TTL(r.class)

	stored, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}
	payload, err := r.h.codec.Decode([]byte(stored))
	if err != nil {
		// The lock is kept so this request's Write replaces the bad record.
		r.h.metrics.Inc(MetricDecodeFailed)
		logger.Warn("session.read.decode_failed", "error", err, "stored_bytes", len(stored), "has_lock", r.hasLock)
		return nil, nil
	}
	return payload, nil
}

// Write stores payload and releases the lock. Only the first call per
// request has an effect.
//
// When another worker owns the lock the write is skipped, logged, and nil
// is returned; [Request.SkippedWrite] then reports [ErrLockNotAcquired].
// Storage failures return an error wrapping [ErrWriteFailed].
func (r *Request) Write(ctx context.Context, id string, payload []byte) error {
	if r.h.closed.Load() {
		return ErrHandlerClosed
	}
	if id == "" {
		return ErrInvalidSessionID
	}
	if r.writeAttempted {
		return nil
	}
	r.writeAttempted = true
	if r.readOnly {
		return nil
	}

	key := r.h.Key(id)
	logger := r.logger.With("session_id", id)
	ttl := r.ttl
	if ttl <= 0 {
		ttl = r.h.policy.TTL(r.class)
	}

	if !r.h.config.Lock.Disable {
		pid, err := r.h.redis.HGet(ctx, key, lock.FieldPID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return r.writeFailed(ctx, id, logger, err)
		}
		if pid != "" && pid != r.identity {
			r.skip(ctx, id, logger, pid)
			return nil
		}
	}

	encoded := r.h.codec.Encode(payload)
	_, err := r.h.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, lock.FieldData, encoded, lock.FieldLock, 0)
		pipe.HIncrBy(ctx, key, lock.FieldWrites, 1)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return r.writeFailed(ctx, id, logger, err)
	}

	r.hasLock = false
	r.h.metrics.Inc(MetricWriteSuccess)
	logger.Trace("session.write.ok", "bytes", len(encoded), "ttl", ttl)
	return nil
}

func (r *Request) skip(ctx context.Context, id string, logger pslog.Logger, owner string) {
	r.skipped = ErrLockNotAcquired
	r.h.metrics.Inc(MetricWriteSkipped)

	reason := "lock_not_acquired"
	if r.hasLock {
		reason = "lock_broken_by_other"
		logger.Info("session.write.skipped", "reason", reason, "owner", owner)
	} else {
		logger.Info("session.write.skipped", "reason", reason, "owner", owner, "tries", r.tries)
	}
	r.hasLock = false

	r.h.emit(ctx, AuditEvent{
		EventType:   AuditWriteSkipped,
		SessionID:   id,
		SessionName: r.name,
		Identity:    r.identity,
		PreviousPID: owner,
		Tries:       r.tries,
		Metadata:    map[string]string{"reason": reason},
	})
}

func (r *Request) writeFailed(ctx context.Context, id string, logger pslog.Logger, err error) error {
	r.h.metrics.Inc(MetricWriteFailed)
	logger.Error("session.write.failed", "error", err)
	r.h.emit(ctx, AuditEvent{
		EventType:   AuditWriteFailed,
		SessionID:   id,
		SessionName: r.name,
		Identity:    r.identity,
		Error:       err.Error(),
	})
	if isConnectivity(err) {
		r.h.metrics.Inc(MetricConnectivityError)
		return fmt.Errorf("%w: %w: %v", ErrWriteFailed, ErrConnectivity, err)
	}
	return fmt.Errorf("%w: %v", ErrWriteFailed, err)
}

// Destroy deletes the session. Deleting a missing session succeeds. Any
// later Write on this request is a no-op.
func (r *Request) Destroy(ctx context.Context, id string) error {
	if r.h.closed.Load() {
		return ErrHandlerClosed
	}
	if id == "" {
		return ErrInvalidSessionID
	}
	if err := r.h.redis.Del(ctx, r.h.Key(id)).Err(); err != nil {
		r.logger.Error("session.destroy.failed", "session_id", id, "error", err)
		return r.h.unavailable(err)
	}
	r.writeAttempted = true
	r.hasLock = false
	r.h.metrics.Inc(MetricDestroy)
	r.logger.Debug("session.destroy", "session_id", id)
	return nil
}

// Close ends the request. It does not touch Redis.
func (r *Request) Close() error {
	return nil
}

// LockAttempts is the number of lock retries this request consumed.
func (r *Request) LockAttempts() int {
	return r.tries
}

// Outcome reports how lock acquisition ended. Zero before Read.
func (r *Request) Outcome() LockOutcome {
	return r.outcome
}

// HasLock reports whether the request currently believes it owns the lock.
func (r *Request) HasLock() bool {
	return r.hasLock
}

// SkippedWrite returns [ErrLockNotAcquired] when Write was skipped because
// another worker owned the lock, and nil otherwise.
func (r *Request) SkippedWrite() error {
	return r.skipped
}

// Identity is the pid value this request writes into the lock.
func (r *Request) Identity() string {
	return r.identity
}

// TTL is the lifetime applied by the last Read. Zero before Read.
func (r *Request) TTL() time.Duration {
	return r.ttl
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
