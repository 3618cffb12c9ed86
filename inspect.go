package redisession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/redisession/codec"
	"github.com/MrEthical07/redisession/internal/lock"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned by [Handler.Inspect] for a missing session.
var ErrSessionNotFound = errors.New("session not found")

// Record is a diagnostic view of one stored session.
type Record struct {
	ID  string
	Key string
	// Data is the decoded payload.
	Data []byte
	// Encoding is the compression tag of the stored payload, or "raw".
	Encoding    string
	StoredBytes int
	Lock        int64
	PID         string
	Wait        int64
	Writes      int64
	// TTL is the remaining lifetime; negative when the key has no expiry.
	TTL time.Duration
}

// Locked reports whether the lock counter is non-zero.
func (r *Record) Locked() bool {
	return r.Lock > 0
}

// Inspect reads a session without taking its lock.
func (h *Handler) Inspect(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	key := h.Key(id)

	var (
		all *redis.MapStringStringCmd
		ttl *redis.DurationCmd
	)
	_, err := h.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, h.unavailable(err)
	}

	fields := all.Val()
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	rec := &Record{
		ID:     id,
		Key:    key,
		Lock:   parseCounter(fields[lock.FieldLock]),
		PID:    fields[lock.FieldPID],
		Wait:   parseCounter(fields[lock.FieldWait]),
		Writes: parseCounter(fields[lock.FieldWrites]),
		TTL:    ttl.Val(),
	}

	stored := fields[lock.FieldData]
	rec.StoredBytes = len(stored)
	rec.Encoding = "raw"
	if tag, ok := codec.Tag([]byte(stored)); ok {
		rec.Encoding = tag
	}
	data, err := h.codec.Decode([]byte(stored))
	if err != nil {
		return rec, err
	}
	rec.Data = data
	return rec, nil
}

// Stats aggregates every session under the key prefix.
type Stats struct {
	Sessions    int64
	Locked      int64
	Contended   int64
	Waiting     int64
	Writes      int64
	StoredBytes int64
	NoExpiry    int64
	Encodings   map[string]int64
}

// AverageWrites is Writes / Sessions.
func (s Stats) AverageWrites() float64 {
	if s.Sessions == 0 {
		return 0
	}
	return float64(s.Writes) / float64(s.Sessions)
}

const scanBatch = 500

// Stats walks the keyspace with SCAN. On a cluster every master is scanned.
// It is an operator tool and costs one pipeline per SCAN page.
func (h *Handler) Stats(ctx context.Context) (Stats, error) {
	var (
		mu    sync.Mutex
		total = Stats{Encodings: map[string]int64{}}
	)
	merge := func(s Stats) {
		mu.Lock()
		defer mu.Unlock()
		total.Sessions += s.Sessions
		total.Locked += s.Locked
		total.Contended += s.Contended
		total.Waiting += s.Waiting
		total.Writes += s.Writes
		total.StoredBytes += s.StoredBytes
		total.NoExpiry += s.NoExpiry
		for k, v := range s.Encodings {
			total.Encodings[k] += v
		}
	}

	var err error
	if cluster, ok := h.redis.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			s, err := h.scanNode(ctx, node)
			if err != nil {
				return err
			}
			merge(s)
			return nil
		})
	} else {
		var s Stats
		s, err = h.scanNode(ctx, h.redis)
		merge(s)
	}
	if err != nil {
		return total, h.unavailable(err)
	}
	return total, nil
}

func (h *Handler) scanNode(ctx context.Context, node redis.Cmdable) (Stats, error) {
	s := Stats{Encodings: map[string]int64{}}
	match := h.config.KeyPrefix + "*"
	var cursor uint64
	for {
		keys, next, err := node.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return s, err
		}
		if len(keys) > 0 {
			if err := h.collect(ctx, node, keys, &s); err != nil {
				return s, err
			}
		}
		cursor = next
		if cursor == 0 {
			return s, nil
		}
	}
}

func (h *Handler) collect(ctx context.Context, node redis.Cmdable, keys []string, s *Stats) error {
	fields := make([]*redis.SliceCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	_, err := node.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			fields[i] = pipe.HMGet(ctx, key, lock.FieldData, lock.FieldLock, lock.FieldWait, lock.FieldWrites)
			ttls[i] = pipe.TTL(ctx, key)
		}
		return nil
	})
	if err != nil && isConnectivity(err) {
		return err
	}

	for i := range keys {
		vals, err := fields[i].Result()
		if err != nil {
			// Not a hash; some other key shares the prefix.
			if strings.HasPrefix(err.Error(), "WRONGTYPE") {
				continue
			}
			return err
		}
		s.Sessions++
		data, _ := vals[0].(string)
		s.StoredBytes += int64(len(data))
		encoding := "raw"
		if tag, ok := codec.Tag([]byte(data)); ok {
			encoding = tag
		}
		s.Encodings[encoding]++
		lockCount := parseCounter(vals[1])
		if lockCount > 0 {
			s.Locked++
		}
		if lockCount > 1 {
			s.Contended++
		}
		if parseCounter(vals[2]) > 0 {
			s.Waiting++
		}
		s.Writes += parseCounter(vals[3])
		if ttls[i].Val() < 0 {
			s.NoExpiry++
		}
	}
	return nil
}
