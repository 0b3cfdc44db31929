package engine

import (
	"errors"
	"fmt"
)

// ErrConflict means a compare-and-set update found the row already moved by
// a concurrent writer. Safe to retry after re-reading.
var ErrConflict = errors.New("concurrent update conflict")

// ErrAlreadyAssigned means the target assignee already holds an assignment
// on the project.
var ErrAlreadyAssigned = errors.New("assignee already holds an assignment on this project")

// InvalidTransitionError reports a state change the legal-transition table
// does not allow.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// InvalidStateError reports an operation attempted against an entity that is
// not in a state the operation accepts.
type InvalidStateError struct {
	Entity string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Op, e.Entity, e.State)
}

// ValidationError reports malformed input caught before any row is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreTimeoutError wraps a store operation that exceeded its deadline. The
// operation may be retried.
type StoreTimeoutError struct {
	Op  string
	Err error
}

func (e *StoreTimeoutError) Error() string {
	return fmt.Sprintf("store timeout during %s: %v", e.Op, e.Err)
}

func (e *StoreTimeoutError) Unwrap() error { return e.Err }
