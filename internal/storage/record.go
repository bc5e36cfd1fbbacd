// Package storage holds what the cart store backends share: the serialized
// cart record and the per-session backend contract.
package storage

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
)

// Backend hands out one durable cart slot per session.
type Backend interface {
	// Cart returns the slot for the session.
	Cart(sessionID string) cart.Store
	// Ping checks that the medium is reachable.
	Ping(ctx context.Context) error
}

// Encode serializes items into the stored cart record.
func Encode(items []cart.Item) ([]byte, error) {
	if items == nil {
		items = []cart.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal cart")
	}
	return data, nil
}

// Decode parses a stored cart record. An undecodable record yields an empty
// list. Lines without an id or a product, or with a non-positive quantity,
// are dropped; repeated variants are folded into their first line. Both
// cases are logged and never returned as errors.
func Decode(ctx context.Context, data []byte) []cart.Item {
	var items []cart.Item
	if err := json.Unmarshal(data, &items); err != nil {
		zctx.From(ctx).Warn("Discarding corrupt cart record",
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		return []cart.Item{}
	}

	type variant struct{ product, color, size string }
	var (
		valid   = make([]cart.Item, 0, len(items))
		seen    = make(map[variant]int, len(items))
		dropped int
		merged  int
	)
	for _, item := range items {
		if item.ID == "" || item.ProductID == "" || item.Quantity <= 0 {
			dropped++
			continue
		}
		key := variant{item.ProductID, item.Color, item.Size}
		if i, ok := seen[key]; ok {
			valid[i].Quantity += item.Quantity
			merged++
			continue
		}
		seen[key] = len(valid)
		valid = append(valid, item)
	}
	if dropped > 0 || merged > 0 {
		zctx.From(ctx).Warn("Repaired cart record",
			zap.Int("dropped", dropped),
			zap.Int("merged", merged),
		)
	}
	return valid
}
