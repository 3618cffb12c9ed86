package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/redisession"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type loadtestOptions struct {
	workers   int
	requests  int
	sessions  int
	hold      time.Duration
	miniredis bool
}

func newLoadtestCommand(a *app) *cobra.Command {
	var opts loadtestOptions
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive concurrent read-modify-write requests at a few hot sessions",
		Long: `Each worker opens a request, reads a decimal counter from the session,
holds the lock for --hold, and writes the counter back incremented. With
locking enabled the final counters equal the number of committed writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.workers <= 0 || opts.requests <= 0 || opts.sessions <= 0 {
				return errors.New("workers, requests, and sessions must be > 0")
			}
			h, cleanup, err := a.openLoadtestHandler(cmd.Context(), opts.miniredis)
			if err != nil {
				return err
			}
			defer cleanup()

			res := runLoadtest(cmd.Context(), h, opts)
			printLoadtest(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.workers, "workers", 16, "number of concurrent workers")
	flags.IntVar(&opts.requests, "requests", 100, "requests per worker")
	flags.IntVar(&opts.sessions, "sessions", 1, "number of distinct session ids to spread requests across")
	flags.DurationVar(&opts.hold, "hold", 2*time.Millisecond, "simulated work between read and write")
	flags.BoolVar(&opts.miniredis, "miniredis", false, "run against an in-process Redis instead of --addr")
	return cmd
}

func (a *app) openLoadtestHandler(ctx context.Context, inProcess bool) (*redisession.Handler, func(), error) {
	if !inProcess {
		h, err := a.openHandler(ctx)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	}

	cfg, err := a.bindConfig()
	if err != nil {
		return nil, nil, err
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a.logger.Info("cli.loadtest.miniredis", "addr", mr.Addr())

	h, err := redisession.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(a.logger).
		Build(ctx)
	if err != nil {
		_ = client.Close()
		mr.Close()
		return nil, nil, err
	}
	return h, func() {
		_ = h.Close()
		_ = client.Close()
		mr.Close()
	}, nil
}

type loadtestResult struct {
	total     time.Duration
	outcomes  map[redisession.LockOutcome]int64
	committed int64
	skipped   int64
	rejected  int64
	failures  int64
	final     int64
	p50       time.Duration
	p95       time.Duration
	p99       time.Duration
	opsPerS   float64
}

// lost is the number of committed writes missing from the final counters.
func (r loadtestResult) lost() int64 {
	return r.committed - r.final
}

func runLoadtest(ctx context.Context, h *redisession.Handler, opts loadtestOptions) loadtestResult {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int64
		skipped   int64
		rejected  int64
		failures  int64
		outcomes  = map[redisession.LockOutcome]int64{}
		latencies = make([]time.Duration, 0, opts.workers*opts.requests)
	)

	ids := make([]string, opts.sessions)
	for i := range ids {
		ids[i] = "loadtest-" + strconv.Itoa(i)
	}

	start := time.Now()
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < opts.requests; i++ {
				if ctx.Err() != nil {
					return
				}
				id := ids[(worker+i)%len(ids)]
				t0 := time.Now()
				outcome, err := increment(ctx, h, id, opts.hold)
				d := time.Since(t0)

				switch {
				case errors.Is(err, redisession.ErrConcurrencyExceeded):
					atomic.AddInt64(&rejected, 1)
				case errors.Is(err, redisession.ErrLockNotAcquired):
					atomic.AddInt64(&skipped, 1)
				case err != nil:
					atomic.AddInt64(&failures, 1)
				default:
					atomic.AddInt64(&committed, 1)
				}

				mu.Lock()
				outcomes[outcome]++
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)

	var final int64
	for _, id := range ids {
		if rec, err := h.Inspect(ctx, id); err == nil {
			n, _ := strconv.ParseInt(string(rec.Data), 10, 64)
			final += n
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	res := loadtestResult{
		total:     total,
		outcomes:  outcomes,
		committed: committed,
		skipped:   skipped,
		rejected:  rejected,
		failures:  failures,
		final:     final,
		p50:       percentile(latencies, 50),
		p95:       percentile(latencies, 95),
		p99:       percentile(latencies, 99),
	}
	if total > 0 {
		res.opsPerS = float64(len(latencies)) / total.Seconds()
	}
	return res
}

func increment(ctx context.Context, h *redisession.Handler, id string, hold time.Duration) (redisession.LockOutcome, error) {
	req := h.Open("", "loadtest")
	defer req.Close()

	data, err := req.Read(ctx, id)
	if err != nil {
		return req.Outcome(), err
	}
	n, _ := strconv.ParseInt(string(data), 10, 64)
	if hold > 0 {
		time.Sleep(hold)
	}
	if err := req.Write(ctx, id, []byte(strconv.FormatInt(n+1, 10))); err != nil {
		return req.Outcome(), err
	}
	return req.Outcome(), req.SkippedWrite()
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printLoadtest(w io.Writer, r loadtestResult) {
	fmt.Fprintln(w, "---- results ----")
	fmt.Fprintf(w, "total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		r.total.Round(time.Millisecond),
		r.opsPerS,
		r.p50.Round(time.Microsecond),
		r.p95.Round(time.Microsecond),
		r.p99.Round(time.Microsecond),
	)
	fmt.Fprintf(w, "committed=%d skipped=%d rejected=%d failures=%d final=%d lost=%d\n",
		r.committed, r.skipped, r.rejected, r.failures, r.final, r.lost())

	outcomes := make([]redisession.LockOutcome, 0, len(r.outcomes))
	for o := range r.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-10s %d\n", o, r.outcomes[o])
	}
}
