package ledger

import (
	"errors"
	"fmt"
)

// ErrCodeInsufficientBalance is the Code carried by InsufficientBalanceError.
const ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"

// InsufficientBalanceError rejects a redemption larger than the available
// balance. The balance is left unchanged.
type InsufficientBalanceError struct {
	ConsumerID string
	Requested  int64
	Available  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: consumer %s requested %d points, %d available",
		ErrCodeInsufficientBalance, e.ConsumerID, e.Requested, e.Available)
}

// Code returns the stable error code.
func (e *InsufficientBalanceError) Code() string {
	return ErrCodeInsufficientBalance
}

// IsInsufficientBalance reports whether err is an *InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ie *InsufficientBalanceError
	return errors.As(err, &ie)
}
