package domain

import (
	"fmt"
	"time"
)

// ValidationError reports malformed input. Rejected synchronously with
// no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidTransitionError reports a state-machine guard failure. State is
// unchanged; the caller may retry with fresh state.
type InvalidTransitionError struct {
	SettlementID string
	From         SettlementStatus
	Event        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: settlement %s cannot %s from status %q",
		e.SettlementID, e.Event, e.From)
}

// ConcurrencyConflictError reports a lost compare-and-set race. Expected
// under concurrent operation, not an error condition worth alerting on;
// the caller should re-read current state.
type ConcurrencyConflictError struct {
	SettlementID string
	Status       SettlementStatus
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update lost: settlement %s now has status %q",
		e.SettlementID, e.Status)
}

// CollaboratorTimeoutError reports that an external call (AI service or
// blockchain node) exceeded its budget, including retries.
type CollaboratorTimeoutError struct {
	Collaborator string
	Budget       time.Duration
	Err          error
}

func (e *CollaboratorTimeoutError) Error() string {
	return fmt.Sprintf("%s call exceeded %s budget: %v", e.Collaborator, e.Budget, e.Err)
}

func (e *CollaboratorTimeoutError) Unwrap() error { return e.Err }

// ExecutionRevertedError reports an on-chain transaction that confirmed
// as failed. The transaction hash is retained for audit; execution is
// never retried automatically.
type ExecutionRevertedError struct {
	SettlementID    string
	TransactionHash string
}

func (e *ExecutionRevertedError) Error() string {
	return fmt.Sprintf("execution reverted: settlement %s tx %s", e.SettlementID, e.TransactionHash)
}
