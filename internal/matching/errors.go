package matching

import (
	"errors"

	"github.com/powershare/energymatch/pkg/orderbook"
)

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderNotFound      = orderbook.ErrOrderNotFound
	ErrDuplicateOrder     = orderbook.ErrDuplicateOrder
	ErrBookHalted         = orderbook.ErrHalted
	ErrInvariantViolation = errors.New("internal invariant violation")
)

// ValidationError names the offending field of a rejected order.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}
