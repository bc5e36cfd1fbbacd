package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the coupon service does not know the code.
	ErrNotFound = errors.New("coupon not found")
	// ErrExpired is returned when a coupon is outside its valid time window.
	ErrExpired = errors.New("coupon expired")
)

// Coupon holds the terms returned by the coupon service for a promo code.
type Coupon struct {
	Code string
	// Value is a percentage in the range [0, 100].
	Value       decimal.Decimal
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
}

// Validator resolves a promo code into coupon terms.
//
// Implementations return an error matching ErrNotFound for unknown codes,
// ErrExpired for codes outside their validity window and a *TransientError
// for failures that may succeed on retry.
type Validator interface {
	Validate(ctx context.Context, code string) (*Coupon, error)
}

// NotFoundError carries the message the coupon service returned along with a
// not-found outcome.
type NotFoundError struct {
	Code    string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("coupon %q not found", e.Code)
}

// Is reports ErrNotFound equivalence.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransientError indicates the coupon service could not give an answer:
// network failure, timeout, 5xx response or an open circuit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("coupon %s: temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err carries a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidPercentage reports whether v is within [0, 100].
func ValidPercentage(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(hundred)
}

var hundred = decimal.NewFromInt(100)
