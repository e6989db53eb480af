package engine

import (
	"errors"
	"fmt"
	"strings"
)

// RuntimeError is a problem detected while processing one event.
//
// Runtime errors include:
//   - Missing facts (soft unless strict mode is on)
//   - Calculation failures in a single rule
//   - Insufficient balance on redemption
//   - Unknown calculation methods (soft, 0 points)
//
// The orchestrator records RuntimeError strings in EventResult.Errors.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EventID identifies the affected event.
	EventID string

	// RuleID identifies the rule, for per-rule failures.
	RuleID string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeValidation indicates a malformed or incomplete event.
	ErrCodeValidation RuntimeErrorCode = "VALIDATION_ERROR"

	// ErrCodeMissingFact indicates a condition referenced an unresolvable fact.
	ErrCodeMissingFact RuntimeErrorCode = "MISSING_FACT"

	// ErrCodeEvaluation indicates a fact lookup failed for a non-missing reason.
	ErrCodeEvaluation RuntimeErrorCode = "EVALUATION_ERROR"

	// ErrCodeCalculation indicates one rule's point computation failed.
	ErrCodeCalculation RuntimeErrorCode = "CALCULATION_ERROR"

	// ErrCodeInsufficientBalance indicates a redemption exceeded available points.
	ErrCodeInsufficientBalance RuntimeErrorCode = "INSUFFICIENT_BALANCE"

	// ErrCodeUnknownMethod indicates a rule named an unsupported method.
	ErrCodeUnknownMethod RuntimeErrorCode = "UNKNOWN_CALCULATION_METHOD"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.RuleID != "" {
		fmt.Fprintf(&b, " (rule=%s)", e.RuleID)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ValidationError rejects an event before any fact resolution.
type ValidationError struct {
	EventID  string
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: event %q rejected: %s", ErrCodeValidation, e.EventID, strings.Join(e.Problems, "; "))
}

// IsValidationError returns true if err is a *ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCalculationError returns true if err is a calculation RuntimeError.
func IsCalculationError(err error) bool {
	return hasCode(err, ErrCodeCalculation)
}

// IsInsufficientBalance returns true if err is an insufficient-balance RuntimeError.
func IsInsufficientBalance(err error) bool {
	return hasCode(err, ErrCodeInsufficientBalance)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewCalculationError wraps a dispatcher failure for one rule.
func NewCalculationError(eventID, ruleID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCalculation,
		Message: "rule calculation failed",
		EventID: eventID,
		RuleID:  ruleID,
		Err:     err,
	}
}

// NewInsufficientBalanceError wraps a ledger rejection.
func NewInsufficientBalanceError(eventID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInsufficientBalance,
		Message: "redemption exceeds available balance",
		EventID: eventID,
		Err:     err,
	}
}
