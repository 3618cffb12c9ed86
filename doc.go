// Package redisession is a Redis-backed session store for request-scoped
// web workers.
//
// Each session is one Redis hash holding the encoded payload and the lock
// bookkeeping (lock counter, holder pid, waiter count, write counter). A
// request that reads a session competes for its lock; the lock is released
// by the write that ends the request. Stale locks are broken after a
// configurable delay, requests give up waiting after another, and a session
// with too many queued waiters turns new requests away with
// [ErrConcurrencyExceeded].
//
// # Architecture boundaries
//
// redisession is the public surface. It exposes [Handler], [Request],
// [Builder], [Config] and [Record]. The lock protocol lives in internal/lock,
// payload compression in codec, lifetime rules in lifetime, and client
// construction in connection.
//
// # What this package must NOT do
//
//   - Hold Go-level locks across Redis round-trips.
//   - Treat lock ownership as a correctness guarantee; it is advisory and the
//     write path re-checks the holder.
//   - Interpret payload contents.
package redisession
