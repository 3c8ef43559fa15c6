package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references a job id that is not
// present in the store.
var ErrNotFound = errors.New("post not found")

// ErrNotPending is returned by pending-guarded writes when the job moved to
// another status between the caller's read and the write.
var ErrNotPending = errors.New("post is not pending")

// StorageError wraps an I/O failure in the persistence layer. The store
// never retries; the caller decides (the next timer tick retries naturally
// since the job status is unchanged).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// TransportError means the publisher channel was unreachable or timed out.
// The scheduler retries these with bounded backoff.
type TransportError struct {
	Platform Platform
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s: %v", e.Platform, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError means the publisher ran and reported failure. Never retried
// automatically; retrying a rejected post is a user decision.
type RejectedError struct {
	Platform Platform
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("publish rejected by %s: %s", e.Platform, e.Reason)
}
