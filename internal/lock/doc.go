// Package lock implements the counter-based session lock.
//
// The lock lives inside the session hash itself: the lock field is a
// counter every waiter increments, pid names the believed holder, and wait
// counts registered waiters for admission control. Ownership is advisory;
// the write path re-checks pid before committing.
//
// # What this package must NOT do
//
//   - Read or write the data field.
//   - Decide session lifetimes (the caller passes the TTL).
//   - Record metrics or audit events (the caller inspects [Result]).
package lock
