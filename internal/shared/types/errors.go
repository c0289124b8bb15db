package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers branch with errors.Is.
var (
	// ErrNotFound indicates a session or user that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated indicates a missing or rejected credential. The
	// synchronizer treats it as "skip remote, stay local-only".
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrDomainMismatch indicates a restore attempted against a page whose
	// domain differs from the session's. No browser state is mutated.
	ErrDomainMismatch = errors.New("session domain does not match current page")

	// ErrInvalidDomain indicates capture on a non-http(s) page.
	ErrInvalidDomain = errors.New("page is not an http or https page")

	// ErrValidation indicates user-correctable bad input.
	ErrValidation = errors.New("validation failed")
)

// NetworkError wraps a transient transport failure. Operations failing with
// it are re-queued as pending changes, never surfaced as fatal.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried via the pending queue.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// BrowserStateError records a per-item browser API rejection. It is logged
// by the engine and never aborts the remaining items of an operation.
type BrowserStateError struct {
	Op     string
	Target string
	Err    error
}

func (e *BrowserStateError) Error() string {
	return fmt.Sprintf("browser rejected %s for %q: %v", e.Op, e.Target, e.Err)
}

func (e *BrowserStateError) Unwrap() error { return e.Err }
