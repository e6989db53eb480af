package calc

import (
	"errors"
	"fmt"
)

// Error codes for calculation failures.
const (
	CodeMissingInput   = "CALC_MISSING_INPUT"
	CodeInvalidParam   = "CALC_INVALID_PARAM"
	CodeFormulaSyntax  = "CALC_FORMULA_SYNTAX"
	CodeDivisionByZero = "CALC_DIVISION_BY_ZERO"
)

// ErrFormulaRejected is returned by CheckFormula when an expression contains
// anything outside the whitelist.
var ErrFormulaRejected = errors.New("formula rejected")

// CalculationError is one rule's computation failing. The orchestrator
// records it and continues with the remaining rules.
type CalculationError struct {
	Code    string
	Method  string
	Message string
	Err     error
}

func (e *CalculationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Method, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Method, e.Code, e.Message)
}

func (e *CalculationError) Unwrap() error {
	return e.Err
}

// IsCalculationError reports whether err is a *CalculationError.
func IsCalculationError(err error) bool {
	var ce *CalculationError
	return errors.As(err, &ce)
}

func missingInput(method, name string) error {
	return &CalculationError{
		Code:    CodeMissingInput,
		Method:  method,
		Message: fmt.Sprintf("%s is required", name),
	}
}

func invalidParam(method, name, reason string) error {
	return &CalculationError{
		Code:    CodeInvalidParam,
		Method:  method,
		Message: fmt.Sprintf("param %q %s", name, reason),
	}
}
