package product

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalid is returned when a product handed to the cart lacks an
// identifier or carries a negative price.
var ErrInvalid = errors.New("invalid product")

// Product is the catalog view of an item as supplied by the product list and
// detail pages when a shopper adds it to the cart.
type Product struct {
	ID            string
	Title         string
	Price         decimal.Decimal
	DiscountPrice decimal.NullDecimal
	Thumbnail     string
	Category      string
}

// Validate checks the fields the cart relies on.
func (p Product) Validate() error {
	if p.ID == "" {
		return errors.Wrap(ErrInvalid, "id required")
	}
	if p.Price.IsNegative() {
		return errors.Wrapf(ErrInvalid, "product %s: negative price", p.ID)
	}
	if p.DiscountPrice.Valid && p.DiscountPrice.Decimal.IsNegative() {
		return errors.Wrapf(ErrInvalid, "product %s: negative discount price", p.ID)
	}
	return nil
}
