// Package middleware adapts a redisession.Handler to net/http.
//
// [Sessions] reads the session cookie, loads the session (taking its lock)
// before the wrapped handler runs, and writes it back afterwards. The
// wrapped handler reaches the payload through [FromContext].
//
// # Error mapping
//
//   - redisession.ErrConcurrencyExceeded answers 503 with Retry-After.
//   - redisession.ErrConnectivity answers 503, or calls Options.OnUnavailable
//     so the host can fall back to another store.
//   - Any other read failure answers 500.
//
// # What this package must NOT do
//
//   - Talk to Redis directly (all I/O goes through redisession.Request).
//   - Interpret payload contents.
package middleware
