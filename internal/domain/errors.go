package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an absent rule or triggered event.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed rule at the CRUD boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid rule: " + e.Reason
	}
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// Invalid builds ValidationError for field.
// Params: field path and reason text.
// Returns: validation error.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// EvaluationError describes a missing or malformed event field; it degrades to non-match.
type EvaluationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *EvaluationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("evaluate field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %s: evaluate field %q: %s", e.RuleID, e.Field, e.Reason)
}

// DeliveryError is an adapter failure after the retry ceiling.
type DeliveryError struct {
	Channel   string
	Recipient string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %q failed after %d attempts: %v", e.Channel, e.Recipient, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// StateCorruptionError reports an unreachable or inconsistent dedup/throttle store.
type StateCorruptionError struct {
	RuleID string
	Op     string
	Err    error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("rule %s: state %s: %v", e.RuleID, e.Op, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// permanentError marks adapter failures that are not retryable.
type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

func (permanentError) Permanent() bool {
	return true
}

// Permanent wraps error with non-retryable marker.
// Params: source error.
// Returns: wrapped error or nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether error chain carries the non-retryable marker.
// Params: candidate error.
// Returns: true when retries must stop.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
