package rental

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the rental service.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrBatteryNotFound      = errors.New("battery not found")
	ErrStationNotFound      = errors.New("station not found")
	ErrRentalNotFound       = errors.New("rental not found")
	ErrBatteryUnavailable   = errors.New("battery unavailable")
	ErrBatteryNotClaimed    = errors.New("battery not claimed")
	ErrRentalClosed         = errors.New("rental already returned")
	ErrNotRentalOwner       = errors.New("rental belongs to another user")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateEmail       = errors.New("email already registered")
	ErrDuplicateSerial      = errors.New("serial already registered")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidBatteryID     = errors.New("invalid battery id")
	ErrInvalidStationID     = errors.New("invalid station id")
	ErrInvalidRentalID      = errors.New("invalid rental id")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrInvalidSerial        = errors.New("invalid serial")
	ErrInvalidStationName   = errors.New("invalid station name")
	ErrInvalidChargeLevel   = errors.New("invalid charge level")
	ErrInvalidAmountCents   = errors.New("invalid amount cents")
	ErrInvalidRentalStatus  = errors.New("invalid rental status")
	ErrInvalidChangeReason  = errors.New("invalid change reason")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
