package redisession

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/redisession/codec"
	"github.com/MrEthical07/redisession/connection"
	"github.com/MrEthical07/redisession/lifetime"
	"pkt.systems/pslog"
)

// DefaultKeyPrefix is prepended to every session id to form the Redis key.
const DefaultKeyPrefix = "sess_"

// Config is the full handler configuration.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	Connection  connection.Config
	Compression CompressionConfig
	Lock        LockConfig
	Lifetime    lifetime.Config
	Metrics     MetricsConfig
	Audit       AuditConfig
	KeyPrefix   string
	// LogLevel is parsed with pslog.ParseLevel ("trace", "debug", "info",
	// "warn", "error", "disabled"). Empty keeps the logger's own level.
	LogLevel string
}

/*
====================================
COMPRESSION CONFIG
====================================
*/

// CompressionConfig selects the payload codec.
type CompressionConfig struct {
	// Algorithm is one of "none", "gzip", "snappy", "lz4", "zstd".
	Algorithm string
	// Threshold is the payload size in bytes at which compression starts.
	// Zero or negative disables compression.
	Threshold int
}

/*
====================================
LOCK CONFIG
====================================
*/

// LockConfig tunes the session lock.
type LockConfig struct {
	// BreakAfter is how long a waiter waits before it may take a stale lock.
	BreakAfter time.Duration
	// BreakAfterByName overrides BreakAfter per session name as passed to
	// [Handler.Open].
	BreakAfterByName map[string]time.Duration
	// BreakModulo restricts breaking to waiters whose lock counter value is a
	// multiple of it, so only some of many waiters break at once.
	BreakModulo int
	// FailAfter is how long a waiter waits before giving up and reading the
	// session without the lock. Its write will then be skipped.
	FailAfter time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
	// MaxConcurrency is the number of waiters at which new requests are
	// rejected with [ErrConcurrencyExceeded].
	MaxConcurrency int
	// Disable turns locking off: reads never wait and writes never check
	// ownership.
	Disable bool
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous lock audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns a configuration suitable for a single local Redis.
func DefaultConfig() Config {
	return Config{
		Connection: connection.Config{
			Topology:       connection.Standalone,
			Addr:           "127.0.0.1:6379",
			ConnectTimeout: 2500 * time.Millisecond,
			ReadTimeout:    2500 * time.Millisecond,
			WriteTimeout:   2500 * time.Millisecond,
			Sentinel: connection.SentinelConfig{
				ConnectRetries: 5,
			},
		},
		Compression: CompressionConfig{
			Algorithm: string(codec.AlgorithmGzip),
			Threshold: 2048,
		},
		Lock: LockConfig{
			BreakAfter:     30 * time.Second,
			BreakModulo:    3,
			FailAfter:      45 * time.Second,
			RetryInterval:  time.Second,
			MaxConcurrency: 6,
		},
		Lifetime: lifetime.Config{
			Lifetime:         time.Hour,
			MinLifetime:      time.Minute,
			MaxLifetime:      lifetime.MaxTTL,
			BotLifetime:      2 * time.Hour,
			BotFirstLifetime: time.Minute,
			FirstLifetime:    10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		KeyPrefix: DefaultKeyPrefix,
		LogLevel:  "warn",
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Lock.BreakAfterByName != nil {
		out.Lock.BreakAfterByName = make(map[string]time.Duration, len(cfg.Lock.BreakAfterByName))
		for name, d := range cfg.Lock.BreakAfterByName {
			out.Lock.BreakAfterByName[name] = d
		}
	}
	out.Connection.Cluster.Seeds = cloneStrings(cfg.Connection.Cluster.Seeds)
	out.Connection.Sentinel.Addrs = cloneStrings(cfg.Connection.Sentinel.Addrs)
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks everything except the connection block, which is only
// validated when the handler builds its own client.
func (c *Config) Validate() error {
	// Compression
	if _, err := codec.ParseAlgorithm(c.Compression.Algorithm); err != nil {
		return err
	}

	// Lock
	if !c.Lock.Disable {
		if c.Lock.RetryInterval <= 0 {
			return errors.New("Lock RetryInterval must be > 0")
		}
		if c.Lock.BreakAfter < 0 {
			return errors.New("Lock BreakAfter must be >= 0")
		}
		if c.Lock.FailAfter < 0 {
			return errors.New("Lock FailAfter must be >= 0")
		}
		if c.Lock.BreakModulo <= 0 {
			return errors.New("Lock BreakModulo must be > 0")
		}
		if c.Lock.MaxConcurrency < 0 {
			return errors.New("Lock MaxConcurrency must be >= 0")
		}
		for name, d := range c.Lock.BreakAfterByName {
			if strings.TrimSpace(name) == "" {
				return errors.New("Lock BreakAfterByName keys must be non-empty")
			}
			if d < 0 {
				return fmt.Errorf("Lock BreakAfterByName[%s] must be >= 0", name)
			}
		}
	}

	// Lifetime
	if _, err := lifetime.New(c.Lifetime); err != nil {
		return err
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when Audit is enabled")
	}

	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("KeyPrefix must be non-empty")
	}

	if c.LogLevel != "" {
		if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("unknown LogLevel %q", c.LogLevel)
		}
	}

	return nil
}

// breakAfterOverride returns the per-name break-after, or nil when the
// session name has none and the lock default applies.
func (c *Config) breakAfterOverride(name string) *time.Duration {
	if d, ok := c.Lock.BreakAfterByName[name]; ok {
		return &d
	}
	return nil
}
