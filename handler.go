package redisession

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/redisession/codec"
	"github.com/MrEthical07/redisession/connection"
	"github.com/MrEthical07/redisession/internal/lock"
	"github.com/MrEthical07/redisession/lifetime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// Handler is the long-lived session backend. It is safe for concurrent use;
// per-request state lives on [Request].
type Handler struct {
	config     Config
	redis      redis.UniversalClient
	ownsClient bool

	codec   *codec.Codec
	policy  *lifetime.Policy
	locker  *lock.Coordinator
	logger  pslog.Logger
	metrics *Metrics
	audit   *auditDispatcher

	identity string

	lastLockAttempts atomic.Int64
	closed           atomic.Bool
}

// Open is the host's open hook. It performs no I/O. savePath is accepted
// for host compatibility; the connection comes from [Config.Connection].
// name selects per-name lock overrides.
func (h *Handler) Open(savePath, name string, opts ...RequestOption) *Request {
	_ = savePath
	r := &Request{
		h:        h,
		name:     name,
		identity: h.identity + ":" + uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = h.logger.With("identity", r.identity)
	return r
}

// GC is a no-op: Redis expires sessions on its own.
func (h *Handler) GC(maxLifetime time.Duration) error {
	_ = maxLifetime
	return nil
}

// Ping measures one round-trip to Redis.
func (h *Handler) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		h.metrics.Inc(MetricConnectivityError)
		return 0, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return time.Since(start), nil
}

// LastLockAttempts returns the retry count of the most recent lock
// acquisition on this handler. It is advisory and racy by nature; use
// [Request.LockAttempts] for a specific request.
func (h *Handler) LastLockAttempts() int {
	return int(h.lastLockAttempts.Load())
}

// Key returns the Redis key for session id.
func (h *Handler) Key(id string) string {
	return h.config.KeyPrefix + id
}

// Config returns a copy of the effective configuration.
func (h *Handler) Config() Config {
	return cloneConfig(h.config)
}

// Redis exposes the underlying client for operator tooling.
func (h *Handler) Redis() redis.UniversalClient {
	return h.redis
}

// MetricsSnapshot returns the current counters.
func (h *Handler) MetricsSnapshot() MetricsSnapshot {
	return h.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under
// backpressure.
func (h *Handler) AuditDropped() uint64 {
	return h.audit.Dropped()
}

// AuditDroppedByType splits [Handler.AuditDropped] by audit event type.
func (h *Handler) AuditDroppedByType() map[string]uint64 {
	return h.audit.DroppedByType()
}

// Close drains the audit dispatcher and closes the client when the handler
// created it. Requests opened afterwards fail with [ErrHandlerClosed].
func (h *Handler) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.audit.Close()
	if h.ownsClient {
		return h.redis.Close()
	}
	return nil
}

func (h *Handler) emit(ctx context.Context, event AuditEvent) {
	if h.audit == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	h.audit.Emit(ctx, event)
}

func (h *Handler) unavailable(err error) error {
	h.metrics.Inc(MetricConnectivityError)
	return fmt.Errorf("%w: %v", ErrConnectivity, err)
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func isConnectivity(err error) bool {
	return connection.IsConnectivityError(err)
}
