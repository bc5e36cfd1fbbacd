// Package cart implements the storefront cart: pricing, the shared cart state
// observed by presentation layers, and the orchestrator that keeps the state
// and its durable copy in step.
package cart

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/domain/coupon"
)

var (
	// ErrItemNotFound is returned when an operation names an item that is not
	// in the cart.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrSuperseded is returned by ApplyPromo when a newer promo request was
	// issued while this one was in flight. Its result is discarded.
	ErrSuperseded = errors.New("promo request superseded")
)

// ValidationError rejects an operation before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Item is a single cart line. JSON names match the storefront's stored cart
// record so existing slots decode unchanged.
type Item struct {
	ID            string              `json:"_id"`
	ProductID     string              `json:"product_id"`
	Title         string              `json:"product_title"`
	Color         string              `json:"color"`
	Size          string              `json:"size"`
	Price         decimal.Decimal     `json:"price"`
	DiscountPrice decimal.NullDecimal `json:"discountPrice"`
	Quantity      int                 `json:"quantity"`
	Thumbnail     string              `json:"thumbnail"`
	Category      string              `json:"mainCategory"`
}

// UnitPrice returns the discount price when one is set and positive,
// otherwise the list price.
func (i Item) UnitPrice() decimal.Decimal {
	if i.DiscountPrice.Valid && i.DiscountPrice.Decimal.IsPositive() {
		return i.DiscountPrice.Decimal
	}
	return i.Price
}

func (i Item) matches(productID, color, size string) bool {
	return i.ProductID == productID && i.Color == color && i.Size == size
}

// Equal compares two items by value, treating decimals numerically.
func (i Item) Equal(o Item) bool {
	return i.ID == o.ID &&
		i.ProductID == o.ProductID &&
		i.Title == o.Title &&
		i.Color == o.Color &&
		i.Size == o.Size &&
		i.Price.Equal(o.Price) &&
		i.DiscountPrice.Valid == o.DiscountPrice.Valid &&
		(!i.DiscountPrice.Valid || i.DiscountPrice.Decimal.Equal(o.DiscountPrice.Decimal)) &&
		i.Quantity == o.Quantity &&
		i.Thumbnail == o.Thumbnail &&
		i.Category == o.Category
}

// EqualItems reports whether two item lists hold equal items in the same order.
func EqualItems(a, b []Item) bool {
	return slices.EqualFunc(a, b, Item.Equal)
}

// Promo is the promo code state of a cart. Applied implies Coupon is set and
// Coupon.Code equals Code.
type Promo struct {
	Applied bool
	Code    string
	Coupon  *coupon.Coupon
}

// Totals is the pricing derived from the items and the promo state.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Snapshot is the published view of a cart.
type Snapshot struct {
	Items  []Item
	Promo  Promo
	Totals Totals
	// Validating is set while a promo code is being checked.
	Validating bool
	// Unsynced is set when the last durable write failed and memory is ahead
	// of storage.
	Unsynced bool
	Version  uint64
}

// Store persists the whole item list of one cart in a single slot.
type Store interface {
	// Load returns the stored items. A missing or undecodable record yields an
	// empty list and no error; only failures of the medium are returned.
	Load(ctx context.Context) ([]Item, error)
	// Save replaces the stored items.
	Save(ctx context.Context, items []Item) error
}
