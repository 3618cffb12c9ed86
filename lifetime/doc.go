// Package lifetime chooses the expiry applied to a session record from the
// visitor classification supplied by the host (bot or human, first visit
// or returning). It performs no I/O.
package lifetime
