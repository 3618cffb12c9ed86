package redisession

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/redisession/codec"
	"github.com/MrEthical07/redisession/connection"
	"github.com/MrEthical07/redisession/internal/lock"
	"github.com/MrEthical07/redisession/lifetime"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// Builder assembles a [Handler].
//
// Builder instances are intended to be configured during initialization and
// then discarded; Build may be called once.
type Builder struct {
	config   Config
	redis    redis.UniversalClient
	logger   pslog.Logger
	identity string

	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies an existing client. The handler will not close it.
// Without one, Build opens a client from Config.Connection.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the logger. Config.LogLevel, when set, is applied on top.
func (b *Builder) WithLogger(logger pslog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithIdentity overrides the worker identity prefix (default
// "<hostname>:<pid>"). Every request appends a unique suffix.
func (b *Builder) WithIdentity(identity string) *Builder {
	b.identity = identity
	return b
}

// WithAuditSink sets the destination of lock audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the lock wait histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready [Handler]. When no
// client was supplied it connects with [connection.Open] and fails with an
// error wrapping [ErrConnectivity] if Redis is unreachable.
func (b *Builder) Build(ctx context.Context) (*Handler, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.LogLevel != "" {
		if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
			logger = logger.LogLevel(level)
		}
	}

	policy, err := lifetime.New(cfg.Lifetime)
	if err != nil {
		return nil, err
	}

	algorithm, err := codec.ParseAlgorithm(cfg.Compression.Algorithm)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		config:  cfg,
		policy:  policy,
		logger:  logger,
		metrics: NewMetrics(cfg.Metrics),
	}

	h.codec, err = codec.New(codec.Config{
		Algorithm: algorithm,
		Threshold: cfg.Compression.Threshold,
		OnFallback: func(codec.Algorithm, error) {
			h.metrics.Inc(MetricCodecFallback)
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	h.redis = b.redis
	if h.redis == nil {
		client, err := connection.Open(ctx, cfg.Connection)
		if err != nil {
			logger.Error("session.connect.failed",
				"topology", string(cfg.Connection.Topology),
				"error", err,
			)
			return nil, err
		}
		h.redis = client
		h.ownsClient = true
	}

	h.locker = lock.New(h.redis, lock.Config{
		BreakAfter:     cfg.Lock.BreakAfter,
		BreakModulo:    cfg.Lock.BreakModulo,
		FailAfter:      cfg.Lock.FailAfter,
		RetryInterval:  cfg.Lock.RetryInterval,
		MaxConcurrency: cfg.Lock.MaxConcurrency,
	}, logger)

	h.identity = strings.TrimSpace(b.identity)
	if h.identity == "" {
		h.identity = defaultIdentity()
	}
	h.audit = newAuditDispatcher(cfg.Audit, b.auditSink, logger)

	b.built = true

	return h, nil
}
