package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the repositories.
var (
	ErrStoreClosed    = errors.New("store is closed")
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrStaleStatus is returned by Transition when the compare-and-swap
	// precondition does not hold. Observers treat it as "someone else
	// moved the transaction first" and re-read.
	ErrStaleStatus = errors.New("transaction status changed concurrently")

	// ErrIllegalTransition is returned for edges the state machine does
	// not allow, including anything out of a terminal status.
	ErrIllegalTransition = errors.New("illegal status transition")

	ErrReceiptAlreadyMatched = errors.New("receipt already matched to a payout")
	ErrPayoutAlreadyMatched  = errors.New("payout already matched to a receipt")
)

// ErrorType categorizes store errors for retry decisions.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
)

// StoreError carries the failed operation alongside the cause.
type StoreError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// NewConnectionError creates a retryable connection-level error.
func NewConnectionError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConnection, Operation: op, Message: msg, Cause: cause, Retryable: true}
}

// NewConfigurationError creates a non-retryable configuration error.
func NewConfigurationError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConfiguration, Operation: op, Message: msg, Cause: cause}
}

// WrapError attaches an operation name to an arbitrary error,
// preserving an existing StoreError classification.
func WrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{
		Type:      classify(err),
		Operation: op,
		Message:   "operation failed",
		Cause:     err,
		Retryable: IsRetryable(err),
	}
}

func classify(err error) ErrorType {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "unique"), strings.Contains(msg, "foreign key"):
		return ErrorTypeConstraint
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		return ErrorTypeConnection
	case strings.Contains(msg, "locked"), strings.Contains(msg, "deadlock"):
		return ErrorTypeTransaction
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether retrying the operation could succeed.
// Driver-level lock and connection failures are retryable; logical
// errors (stale CAS, illegal transitions, constraints) are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEntry) {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout")
}
