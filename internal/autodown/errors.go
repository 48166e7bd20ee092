package autodown

import (
	"errors"
	"fmt"
)

var (
	ErrTargetNotFound      = errors.New("target not found")
	ErrConstraintViolation = errors.New("schedule already exists for target")
	ErrStoreUnavailable    = errors.New("schedule store unavailable")
	ErrInvalidAction       = errors.New("invalid audit action")
	ErrInvalidDueAt        = errors.New("due time required")
	ErrTickInProgress      = errors.New("auto take-down tick already in progress")
)

// TargetNotFoundError reports a target identity that no longer resolves.
// It matches ErrTargetNotFound via errors.Is.
type TargetNotFoundError struct {
	ID int64
}

func (e *TargetNotFoundError) Error() string { return fmt.Sprintf("SPU %d not found", e.ID) }

func (e *TargetNotFoundError) Is(target error) bool { return target == ErrTargetNotFound }

// StoreError wraps a systemic persistence fault (anything preventing a tick
// from selecting or counting schedules). It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// IsRetryable reports whether the caller may simply retry the operation.
// A constraint violation during Configure means a concurrent writer created
// the schedule first; retrying converges on the existing row.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}
