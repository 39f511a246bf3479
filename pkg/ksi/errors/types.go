// Package errors provides the routing substrate's error taxonomy plus
// categorization and retry helpers for transient failures.
//
// The taxonomy follows the propagation policy of the daemon: validation
// and cycle errors surface directly to the CRUD caller; handler,
// subscriber, and batch-write failures are contained and logged where
// they occur and never reach unrelated callers.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError indicates a malformed routing rule. It is fatal to
// the CRUD call that supplied the rule and to nothing else.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// CircularRoutingError indicates that installing a rule would create a
// routing cycle. Path holds the full cyclic walk for diagnostics, e.g.
// ["alpha:*", "beta:*", "gamma:*", "alpha:*"].
type CircularRoutingError struct {
	RuleID string
	Path   []string
}

// Error implements the error interface.
func (e *CircularRoutingError) Error() string {
	return fmt.Sprintf("circular routing detected for rule %s: %s",
		e.RuleID, strings.Join(e.Path, " -> "))
}

// RequestTimeoutError indicates that no response arrived for a request
// within the caller's deadline. The underlying handler is not cancelled;
// callers must treat a timeout as "unknown outcome", not "aborted".
type RequestTimeoutError struct {
	EventName string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no response for %s within %s", e.EventName, e.Timeout)
}

// PersistenceError wraps a durable-storage failure. Batch writes that
// fail with a transient persistence error are retried on the next flush
// interval; ring-buffer entries are unaffected either way.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
