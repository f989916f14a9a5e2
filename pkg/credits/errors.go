package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit ledger service.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateCharge      = errors.New("duplicate charge confirmation")
	ErrNoBalance            = errors.New("no balance record")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// InsufficientBalanceError reports a usage debit the balance could not cover.
type InsufficientBalanceError struct {
	Required  Credits
	Available Credits
}

// Error states required versus available credits.
func (balanceError *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", balanceError.Required, balanceError.Available)
}

// Unwrap ties the struct to the ErrInsufficientBalance sentinel.
func (balanceError *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

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
