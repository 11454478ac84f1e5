package store

import (
	"errors"
	"fmt"
)

// Store error categories.
var (
	// ErrConnectionFailed indicates a failure to reach the backend.
	ErrConnectionFailed = errors.New("store: connection failed")

	// ErrQueryFailed indicates a read failure.
	ErrQueryFailed = errors.New("store: query failed")

	// ErrAppendFailed indicates a write failure.
	ErrAppendFailed = errors.New("store: append failed")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("store: operation timeout")

	// ErrInvalidEvent indicates an event that violates the schema contract,
	// such as a duplicate or regressing sequence.
	ErrInvalidEvent = errors.New("store: invalid event")

	// ErrStoreClosed indicates the backend handle has been closed.
	ErrStoreClosed = errors.New("store: closed")
)

// StoreError wraps backend failures with operation context.
type StoreError struct {
	Op      string // Operation that failed (e.g., "Append", "QueryRange")
	Backend string // Backend name (e.g., "postgres", "clickhouse")
	Err     error  // Underlying error
	Retries int    // Retries attempted, if applicable
}

// Error returns the error message.
func (e *StoreError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Backend, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError.
func NewStoreError(op, backend string, err error) *StoreError {
	return &StoreError{Op: op, Backend: backend, Err: err}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable checks if the error is transient (connection or timeout);
// the sequencer retries these with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// WrapConnectionError wraps an error as a connection failure.
func WrapConnectionError(op, backend string, err error) error {
	return &StoreError{
		Op:      op,
		Backend: backend,
		Err:     fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query failure.
func WrapQueryError(op, backend string, err error) error {
	return &StoreError{
		Op:      op,
		Backend: backend,
		Err:     fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapAppendError wraps an error as a write failure.
func WrapAppendError(op, backend string, err error) error {
	return &StoreError{
		Op:      op,
		Backend: backend,
		Err:     fmt.Errorf("%w: %v", ErrAppendFailed, err),
	}
}
