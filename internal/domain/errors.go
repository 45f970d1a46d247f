package domain

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks persistence failures. Callers should treat the
// whole ingest as retryable; no partial state was committed.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ValidationError reports a missing or malformed required input field.
// It is a client error and causes no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// RuleError marks a single malformed alert rule. The rule is skipped and
// flagged for operator attention; other rules still evaluate.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("alert rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func StorageFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
