package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateSubmission signals that a concurrent request holding the same
// idempotency key won the race to record its result. Callers re-run the
// idempotency check once instead of surfacing this to the client.
var ErrDuplicateSubmission = errors.New("concurrent duplicate submission")

// NotFoundError reports a missing or invisible resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError for the given resource.
func NotFound(resource string, id fmt.Stringer) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

// InvalidStateError reports a lifecycle precondition violation.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string { return e.Reason }

// InvalidState builds an InvalidStateError.
func InvalidState(reason string) *InvalidStateError {
	return &InvalidStateError{Reason: reason}
}

// InvalidArgumentError reports a rejected input value.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string { return e.Reason }

// InvalidArgument builds an InvalidArgumentError.
func InvalidArgument(reason string) *InvalidArgumentError {
	return &InvalidArgumentError{Reason: reason}
}

// KeyConflictError reports reuse of an idempotency key with a different
// request body. The client must not retry under the same key.
type KeyConflictError struct {
	Key string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different payload", e.Key)
}

// StoreError wraps an underlying store I/O failure. The operation is safe to
// retry end to end under the same idempotency key.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }
