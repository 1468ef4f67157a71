package pool

import "errors"

var (
	// ErrInvalidConfig indicates the pool configuration failed validation.
	// Fatal at construction; wrapped with the offending field.
	ErrInvalidConfig = errors.New("pool: invalid configuration")

	// ErrAcquireTimeout indicates an acquire gave up after the configured
	// timeout. Recoverable; callers should retry or shed load upstream. The
	// wrapped message carries the elapsed wait and the active/max counts.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")

	// ErrPoolClosed indicates the pool has been shut down. No further
	// acquisitions are possible.
	ErrPoolClosed = errors.New("pool: closed")
)
