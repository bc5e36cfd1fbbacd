package cart

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Pricing holds the shipping rules used to price a cart.
type Pricing struct {
	// FreeShippingThreshold is the subtotal that must be exceeded for free
	// shipping.
	FreeShippingThreshold decimal.Decimal
	// ShippingFee is charged when the subtotal does not exceed the threshold.
	ShippingFee decimal.Decimal
}

// DefaultPricing returns the storefront rules: free shipping above 80,
// 7.99 otherwise.
func DefaultPricing() Pricing {
	return Pricing{
		FreeShippingThreshold: decimal.NewFromInt(80),
		ShippingFee:           decimal.RequireFromString("7.99"),
	}
}

// Compute derives the totals for the given items and promo state. It has no
// side effects and never fails; quantities and prices are taken as given.
func (p Pricing) Compute(items []Item, promo Promo) Totals {
	subtotal := decimal.Zero
	for _, item := range items {
		line := item.UnitPrice().Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(line)
	}

	discount := decimal.Zero
	if promo.Applied && promo.Coupon != nil {
		discount = subtotal.Mul(promo.Coupon.Value).Div(hundred).Round(2)
	}

	shipping := p.ShippingFee
	if subtotal.GreaterThan(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	total := subtotal.Sub(discount).Add(shipping)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Total:    total.Round(2),
	}
}
