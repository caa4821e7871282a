package store

import "github.com/pkg/errors"

var (
	// ErrStopped is returned by any operation submitted to a Store that has
	// been, or is being, stopped.
	ErrStopped = errors.New("store: stopped")
	// ErrUnknownMessage is returned when an operation references a msg-id
	// with no live MsgLoc entry.
	ErrUnknownMessage = errors.New("store: unknown message id")
	// ErrQueueLengthExceeded is returned by RequeueNextN when asked to move
	// more rows than the queue currently holds.
	ErrQueueLengthExceeded = errors.New("store: requeue_next_n exceeds queue length")
)
