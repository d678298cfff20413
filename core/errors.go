package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation on a table after Close.
	ErrClosed = errors.New("state table is closed")
	// ErrOutOfOrderPrepare marks a prepare whose sequence number does not
	// exceed the highest sequence number the table has already seen.
	ErrOutOfOrderPrepare = errors.New("prepare sequence number is not increasing")
	// ErrUnpreparedCommit marks a commit for a sequence number that was never prepared.
	ErrUnpreparedCommit = errors.New("commit of a sequence number that was never prepared")
	// ErrInvalidSequence marks a sequence number that can never be valid (zero or negative).
	ErrInvalidSequence = errors.New("sequence number must be positive")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "key", "type", "kind"
	Value   string // The invalid value
}

type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// ProtocolViolationError reports that the replication collaborator broke
// the table's ordering contract. It is never corrected silently: the
// in-memory state can no longer be trusted to match the replicated log.
type ProtocolViolationError struct {
	Op       string // "prepare", "commit", "apply", "apply_batch"
	Sequence int64  // offending sequence number
	Last     int64  // highest sequence number known to the table at the time
	Err      error  // one of the sentinel errors above
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation in %s: sequence %d (last known %d): %v", e.Op, e.Sequence, e.Last, e.Err)
}

func (e *ProtocolViolationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}

// IsProtocolViolation checks if err (or any error in its chain) is a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var violation *ProtocolViolationError
	return errors.As(err, &violation)
}
