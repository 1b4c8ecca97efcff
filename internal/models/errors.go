package models

import "github.com/pkg/errors"

// Error taxonomy shared by the ledger, publisher, DLQ and consumer.
// Callers attach context with errors.Wrap and classify with errors.Is.
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotFound               = errors.New("stock record not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInsufficientReserved   = errors.New("insufficient reserved quantity")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPublishFailure         = errors.New("publish failure")
	ErrConsumerApplyFailure   = errors.New("consumer apply failure")
	ErrRetryExhausted         = errors.New("retry exhausted")
)

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPublishFailure) ||
		errors.Is(err, ErrConsumerApplyFailure)
}

// IsBusinessRule reports errors that stem from stock rules rather than infrastructure.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrInsufficientReserved)
}
