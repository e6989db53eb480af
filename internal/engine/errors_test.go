package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeError_Format(t *testing.T) {
	err := NewCalculationError("e-1", "jp-base", errors.New("amount is required"))
	assert.Equal(t, "CALCULATION_ERROR: rule calculation failed: amount is required (rule=jp-base)", err.Error())
}

func TestErrorHelpers_Wrapped(t *testing.T) {
	calcErr := fmt.Errorf("wrapped: %w", NewCalculationError("e", "r", nil))
	assert.True(t, IsCalculationError(calcErr))
	assert.False(t, IsInsufficientBalance(calcErr))

	balErr := fmt.Errorf("wrapped: %w", NewInsufficientBalanceError("e", errors.New("x")))
	assert.True(t, IsInsufficientBalance(balErr))

	verr := fmt.Errorf("wrapped: %w", &ValidationError{EventID: "e", Problems: []string{"a", "b"}})
	assert.True(t, IsValidationError(verr))
	assert.Contains(t, verr.Error(), "a; b")
}
