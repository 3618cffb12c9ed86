package redisession

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Lock.RetryInterval = 5 * time.Millisecond
	cfg.Lock.BreakAfter = time.Second
	cfg.Lock.FailAfter = 2 * time.Second
	cfg.Lock.BreakModulo = 1
	cfg.LogLevel = ""
	return cfg
}

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *miniredis.Miniredis, func()) {
	t.Helper()
	return newTestHandlerWithSink(t, mutate, nil)
}

func newTestHandlerWithSink(t *testing.T, mutate func(*Config), sink AuditSink) (*Handler, *miniredis.Miniredis, func()) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr, rdb := newTestRedis(t)
	h, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentity("test-host:1").
		WithAuditSink(sink).
		Build(context.Background())
	if err != nil {
		_ = rdb.Close()
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return h, mr, func() {
		_ = h.Close()
		_ = rdb.Close()
		mr.Close()
	}
}
