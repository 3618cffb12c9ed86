package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConnectivity is returned when the backing store cannot be reached,
// authenticated against, or verified.
var ErrConnectivity = errors.New("session store unreachable")

// Topology selects how the client reaches Redis.
type Topology string

const (
	// Standalone connects to a single host:port.
	Standalone Topology = "standalone"
	// Cluster connects to a Redis Cluster through a seed list.
	Cluster Topology = "cluster"
	// Sentinel resolves the master of a sentinel-monitored group.
	Sentinel Topology = "sentinel"
)

// SentinelConfig describes a sentinel-monitored failover group.
type SentinelConfig struct {
	Addrs          []string
	Master         string
	Password       string
	VerifyMaster   bool
	ConnectRetries int
}

// ClusterConfig describes a Redis Cluster.
type ClusterConfig struct {
	Name  string
	Seeds []string
}

// Config is the connection surface consumed by [Open].
type Config struct {
	Topology Topology
	Addr     string
	Cluster  ClusterConfig
	Sentinel SentinelConfig
	DB       int
	Username string
	Password string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// PersistentID names the connection (CLIENT SETNAME) so operators can
	// tell pooled session connections apart.
	PersistentID string
	PoolSize     int
}

// Validate checks the variant-specific fields.
func (c Config) Validate() error {
	switch c.Topology {
	case "", Standalone:
		if strings.TrimSpace(c.Addr) == "" {
			return errors.New("Connection Addr is required for standalone topology")
		}
	case Cluster:
		if len(c.Cluster.Seeds) == 0 {
			return errors.New("Connection Cluster Seeds are required for cluster topology")
		}
		if c.DB != 0 {
			return errors.New("Connection DB must be 0 for cluster topology")
		}
	case Sentinel:
		if len(c.Sentinel.Addrs) == 0 {
			return errors.New("Connection Sentinel Addrs are required for sentinel topology")
		}
		if strings.TrimSpace(c.Sentinel.Master) == "" {
			return errors.New("Connection Sentinel Master is required for sentinel topology")
		}
		if c.Sentinel.ConnectRetries < 0 {
			return errors.New("Connection Sentinel ConnectRetries must be >= 0")
		}
	default:
		return fmt.Errorf("unsupported connection topology %q", c.Topology)
	}
	if c.DB < 0 {
		return errors.New("Connection DB must be >= 0")
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("Connection timeouts must be >= 0")
	}
	return nil
}

// NewClient builds the client for cfg without touching the network.
func NewClient(cfg Config) (redis.UniversalClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Topology {
	case Cluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Cluster.Seeds,
			ClientName:   cfg.PersistentID,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		}), nil
	case Sentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.Sentinel.Master,
			SentinelAddrs:    cfg.Sentinel.Addrs,
			SentinelPassword: cfg.Sentinel.Password,
			ClientName:       cfg.PersistentID,
			DB:               cfg.DB,
			Username:         cfg.Username,
			Password:         cfg.Password,
			DialTimeout:      cfg.ConnectTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PoolSize:         cfg.PoolSize,
			MaxRetries:       cfg.Sentinel.ConnectRetries,
		}), nil
	default:
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			ClientName:   cfg.PersistentID,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		}), nil
	}
}

// Open builds the client for cfg and verifies it is reachable. Sentinel
// groups are retried up to ConnectRetries extra times and, when
// VerifyMaster is set, must report the master role.
func Open(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if cfg.Topology == Sentinel {
		attempts += cfg.Sentinel.ConnectRetries
	}

	for attempt := 1; ; attempt++ {
		err = verify(ctx, client, cfg)
		if err == nil {
			return client, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff(attempt)):
		}
	}

	_ = client.Close()
	return nil, err
}

func verify(ctx context.Context, client redis.UniversalClient, cfg Config) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	if cfg.Topology != Sentinel || !cfg.Sentinel.VerifyMaster {
		return nil
	}

	role, err := client.Do(ctx, "ROLE").Slice()
	if err != nil {
		return fmt.Errorf("%w: role check: %v", ErrConnectivity, err)
	}
	if len(role) == 0 || fmt.Sprint(role[0]) != "master" {
		return fmt.Errorf("%w: %s is not reporting the master role", ErrConnectivity, cfg.Sentinel.Master)
	}
	return nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

// IsConnectivityError reports whether err came from the network layer
// rather than from a Redis reply. redis.Nil and server error replies are
// not connectivity failures.
func IsConnectivityError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, ErrConnectivity) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return false
	}
	return true
}
