package redisession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if err := cfg.Connection.Validate(); err != nil {
		t.Fatalf("default connection must validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown algorithm", mutate: func(c *Config) { c.Compression.Algorithm = "brotli" }},
		{name: "zero retry interval", mutate: func(c *Config) { c.Lock.RetryInterval = 0 }},
		{name: "negative break after", mutate: func(c *Config) { c.Lock.BreakAfter = -time.Second }},
		{name: "negative fail after", mutate: func(c *Config) { c.Lock.FailAfter = -time.Second }},
		{name: "zero modulo", mutate: func(c *Config) { c.Lock.BreakModulo = 0 }},
		{name: "negative concurrency", mutate: func(c *Config) { c.Lock.MaxConcurrency = -1 }},
		{name: "empty name override", mutate: func(c *Config) { c.Lock.BreakAfterByName = map[string]time.Duration{"": time.Second} }},
		{name: "negative name override", mutate: func(c *Config) { c.Lock.BreakAfterByName = map[string]time.Duration{"admin": -time.Second} }},
		{name: "inverted lifetime range", mutate: func(c *Config) { c.Lifetime.MinLifetime = 2 * time.Hour; c.Lifetime.MaxLifetime = time.Hour }},
		{name: "audit without buffer", mutate: func(c *Config) { c.Audit.Enabled = true; c.Audit.BufferSize = 0 }},
		{name: "empty prefix", mutate: func(c *Config) { c.KeyPrefix = " " }},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestDisabledLockSkipsLockValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lock.Disable = true
	cfg.Lock.RetryInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lock settings must be ignored when locking is disabled: %v", err)
	}
}

func TestWithConfigClonesOverrides(t *testing.T) {
	overrides := map[string]time.Duration{"admin": time.Second}
	cfg := DefaultConfig()
	cfg.Lock.BreakAfterByName = overrides

	b := New().WithConfig(cfg)
	overrides["admin"] = time.Hour

	if got := b.config.breakAfterOverride("admin"); got == nil || *got != time.Second {
		t.Fatalf("builder must keep its own copy, got %v", got)
	}
	if got := b.config.breakAfterOverride("other"); got != nil {
		t.Fatalf("unknown names must defer to the lock default, got %v", *got)
	}
}

func TestBuildConnectsFromConfig(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()

	cfg := testConfig()
	cfg.Connection.Addr = mr.Addr()
	h, err := New().WithConfig(cfg).Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := h.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close must close the owned client: %v", err)
	}
}

func TestBuildUnreachableIsConnectivityError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Connection.Addr = addr
	cfg.Connection.ConnectTimeout = 200 * time.Millisecond
	if _, err := New().WithConfig(cfg).Build(context.Background()); !errors.Is(err, ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()
	defer rdb.Close()

	b := New().WithConfig(testConfig()).WithRedis(rdb)
	if _, err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := b.Build(context.Background()); err == nil {
		t.Fatal("expected second Build to fail")
	}
}
