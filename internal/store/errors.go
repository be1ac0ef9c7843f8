package store

import (
	"errors"
	"fmt"
)

// ConnectionError reports that the store could not establish or re-establish
// its connection pool after exhausting the configured attempts. The manager
// is still usable in this state: Health keeps serving the cached snapshot
// and every query fails fast with a retryable error.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError wraps a failed statement. Retryable marks transient failures
// such as pool acquisition timeouts, where the caller may try again without
// changing the request.
type QueryError struct {
	Kind      string // acquire, query, exec, transaction
	Retryable bool
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("store: %s failed: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// CapabilityError reports that the vector extension is unavailable. The
// store records it and degrades to keyword-only search rather than failing.
type CapabilityError struct {
	Err error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("store: vector capability unavailable: %v", e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is a transient store failure that
// a caller may reasonably retry.
func IsRetryable(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Retryable
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}
