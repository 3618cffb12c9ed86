package redisession

import (
	"errors"

	"github.com/MrEthical07/redisession/codec"
	"github.com/MrEthical07/redisession/connection"
	"github.com/MrEthical07/redisession/internal/lock"
)

var (
	// ErrConnectivity is returned when Redis cannot be reached. Hosts may fall
	// back to another session backend.
	ErrConnectivity = connection.ErrConnectivity
	// ErrConcurrencyExceeded is returned by Read when too many requests are
	// already waiting on the same session. The host should answer 503.
	ErrConcurrencyExceeded = lock.ErrConcurrencyExceeded
	// ErrCodec is returned by Inspect when a stored payload carries a
	// compression tag but its body cannot be decompressed. Read treats such
	// a payload as an empty session.
	ErrCodec = codec.ErrCodec
	// ErrLockNotAcquired is recorded on a request whose write was skipped
	// because another worker owns the lock. Write itself returns nil.
	ErrLockNotAcquired = errors.New("session lock not held by this request")
	// ErrWriteFailed wraps storage failures during Write.
	ErrWriteFailed = errors.New("session write failed")
	// ErrHandlerClosed is returned by requests opened on a closed handler.
	ErrHandlerClosed = errors.New("session handler closed")
	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("invalid session id")
)
