package service

import (
	"errors"
	"fmt"
)

// Validation errors. These are rejected synchronously, before any
// transaction record is created.
var (
	ErrInvalidKwAmount          = errors.New("kw amount out of range")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrInvalidPhoneNumber       = errors.New("invalid phone number")
	ErrCarrierMismatch          = errors.New("phone number carrier does not match payment method")
	ErrReasonTooShort           = errors.New("adjustment reason must be at least 5 characters")
	ErrZeroAdjustment           = errors.New("adjustment must not be zero")
)

// IsValidationError reports whether err is one of the synchronous input
// rejections above.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidKwAmount) ||
		errors.Is(err, ErrUnsupportedPaymentMethod) ||
		errors.Is(err, ErrInvalidPhoneNumber) ||
		errors.Is(err, ErrCarrierMismatch) ||
		errors.Is(err, ErrReasonTooShort) ||
		errors.Is(err, ErrZeroAdjustment)
}

// PendingTransactionError rejects a purchase while another one by the same
// user is still in flight. It carries the blocking transaction id so the
// client can poll it instead of guessing.
type PendingTransactionError struct {
	BlockingTransactionID string
}

func (e *PendingTransactionError) Error() string {
	return fmt.Sprintf("a pending transaction %s is already in progress", e.BlockingTransactionID)
}
