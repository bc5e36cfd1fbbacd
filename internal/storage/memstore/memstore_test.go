package memstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-cart/internal/domain/cart"
)

func TestBackend_RoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()
	items := []cart.Item{
		{ID: "a", ProductID: "p1", Price: decimal.RequireFromString("12.50"), Quantity: 2},
	}

	require.NoError(t, b.Cart("s1").Save(ctx, items))

	got, err := b.Cart("s1").Load(ctx)
	require.NoError(t, err)
	assert.True(t, cart.EqualItems(items, got))
	assert.Equal(t, 1, b.Len())
}

func TestBackend_SessionsIsolated(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.Cart("s1").Save(ctx, []cart.Item{
		{ID: "a", ProductID: "p1", Price: decimal.NewFromInt(1), Quantity: 1},
	}))

	got, err := b.Cart("s2").Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestBackend_SaveEmpty(t *testing.T) {
	b := New()
	ctx := context.Background()
	s := b.Cart("s1")

	require.NoError(t, s.Save(ctx, []cart.Item{
		{ID: "a", ProductID: "p1", Price: decimal.NewFromInt(1), Quantity: 1},
	}))
	require.NoError(t, s.Save(ctx, []cart.Item{}))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, b.Ping(ctx))
}
