// Package postgres stores carts in PostgreSQL, one row per cart line.
package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/storage"
)

var _ storage.Backend = (*CartRepository)(nil)

var cartColumns = []string{
	"session_id", "position", "item_id", "product_id", "title", "color", "size",
	"price", "discount_price", "quantity", "thumbnail", "category",
}

const loadCartSQL = `
SELECT item_id, product_id, title, color, size, price, discount_price, quantity, thumbnail, category
FROM cart_items
WHERE session_id = $1
ORDER BY position`

// CartRepository keeps every session's cart in the cart_items table.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

func (r *CartRepository) Cart(sessionID string) cart.Store {
	return &slot{r: r, id: sessionID}
}

func (r *CartRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Load returns the session's lines in insertion order.
func (r *CartRepository) Load(ctx context.Context, sessionID string) ([]cart.Item, error) {
	rows, err := r.pool.Query(ctx, loadCartSQL, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "query cart %s", sessionID)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Item, error) {
		var (
			it            cart.Item
			discountPrice decimal.NullDecimal
		)
		err := row.Scan(
			&it.ID, &it.ProductID, &it.Title, &it.Color, &it.Size,
			&it.Price, &discountPrice, &it.Quantity, &it.Thumbnail, &it.Category,
		)
		it.DiscountPrice = discountPrice
		return it, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan cart %s", sessionID)
	}
	if items == nil {
		items = []cart.Item{}
	}
	return items, nil
}

// Save replaces all of the session's lines in one transaction.
func (r *CartRepository) Save(ctx context.Context, sessionID string, items []cart.Item) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE session_id = $1`, sessionID); err != nil {
		return errors.Wrapf(err, "delete cart %s", sessionID)
	}

	if len(items) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"cart_items"}, cartColumns,
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				it := items[i]
				return []any{
					sessionID, i, it.ID, it.ProductID, it.Title, it.Color, it.Size,
					it.Price, it.DiscountPrice, it.Quantity, it.Thumbnail, it.Category,
				}, nil
			}),
		)
		if err != nil {
			return errors.Wrapf(err, "insert cart %s", sessionID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

type slot struct {
	r  *CartRepository
	id string
}

func (s *slot) Load(ctx context.Context) ([]cart.Item, error) {
	return s.r.Load(ctx, s.id)
}

func (s *slot) Save(ctx context.Context, items []cart.Item) error {
	return s.r.Save(ctx, s.id, items)
}
