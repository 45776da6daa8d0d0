package queue

import "errors"

var (
	// ErrQueueFull is the backpressure signal: every slot is valid.
	ErrQueueFull = errors.New("queue: full")
	// ErrUnknownEntry means the referenced slot is out of range or not valid.
	ErrUnknownEntry = errors.New("queue: unknown entry")
	// ErrInconsistent means hazard or ordering bookkeeping no longer matches queue contents.
	ErrInconsistent = errors.New("queue: inconsistent bookkeeping")
)
