package coupon

import (
	"context"
	"time"
)

// WindowValidator wraps a Validator and rejects coupons whose validity window
// does not contain the current time.
type WindowValidator struct {
	next Validator
	now  func() time.Time
}

// NewWindowValidator creates a WindowValidator around next.
func NewWindowValidator(next Validator) *WindowValidator {
	return &WindowValidator{next: next, now: time.Now}
}

// Validate resolves the code through the wrapped validator and checks the
// temporal validity of the returned coupon.
func (v *WindowValidator) Validate(ctx context.Context, code string) (*Coupon, error) {
	c, err := v.next.Validate(ctx, code)
	if err != nil {
		return nil, err
	}

	now := v.now()
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return nil, ErrExpired
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return nil, ErrExpired
	}
	return c, nil
}
