package cart

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-cart/internal/domain/coupon"
	"github.com/xenking/kart-cart/internal/domain/product"
)

// --- Mock implementations ---

type mockStore struct {
	mu      sync.Mutex
	items   []Item
	saves   int
	loadErr error
	saveErr error
}

func (m *mockStore) Load(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return slices.Clone(m.items), nil
}

func (m *mockStore) Save(_ context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.items = slices.Clone(items)
	return nil
}

func (m *mockStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *mockStore) stored() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

type mockCoupons struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	err     error
	// gates block Validate for a code until the channel is closed.
	gates map[string]chan struct{}
	calls []string
}

func (m *mockCoupons) Validate(ctx context.Context, code string) (*coupon.Coupon, error) {
	m.mu.Lock()
	m.calls = append(m.calls, code)
	gate := m.gates[code]
	c, ok := m.coupons[code]
	err := m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &coupon.NotFoundError{Code: code, Message: "Coupon not found"}
	}
	cp := *c
	return &cp, nil
}

// --- Helpers ---

func newTestProduct(id, price string) product.Product {
	return product.Product{
		ID:        id,
		Title:     "Product " + id,
		Price:     decimal.RequireFromString(price),
		Thumbnail: id + ".jpg",
		Category:  "shoes",
	}
}

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("item-%d", n)
	})
}

func newTestService(t *testing.T, store *mockStore, coupons *mockCoupons, opts ...Option) *Service {
	t.Helper()
	if coupons == nil {
		coupons = &mockCoupons{}
	}
	svc, err := NewService(store, coupons, NewState(), append([]Option{sequentialIDs()}, opts...)...)
	require.NoError(t, err)
	return svc
}

func assertDualWrite(t *testing.T, store *mockStore, snap Snapshot) {
	t.Helper()
	assert.True(t, EqualItems(store.stored(), snap.Items), "stored %v, published %v", store.stored(), snap.Items)
}

// --- Tests ---

func TestAddItem_MergesVariant(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	p := newTestProduct("p1", "10")

	_, err := svc.AddItem(ctx, p, "red", "M", 2)
	require.NoError(t, err)
	snap, err := svc.AddItem(ctx, p, "red", "M", 3)
	require.NoError(t, err)

	require.Len(t, snap.Items, 1)
	assert.Equal(t, 5, snap.Items[0].Quantity)
	assert.Equal(t, "item-1", snap.Items[0].ID)
	assert.True(t, dec("50").Equal(snap.Totals.Subtotal))
	assertDualWrite(t, store, snap)
}

func TestAddItem_DistinctVariants(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	p := newTestProduct("p1", "10")

	_, err := svc.AddItem(ctx, p, "red", "M", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, p, "red", "L", 1)
	require.NoError(t, err)
	snap, err := svc.AddItem(ctx, p, "blue", "M", 1)
	require.NoError(t, err)

	require.Len(t, snap.Items, 3)
	assert.Equal(t, []string{"item-1", "item-2", "item-3"}, []string{
		snap.Items[0].ID, snap.Items[1].ID, snap.Items[2].ID,
	})
	assertDualWrite(t, store, snap)
}

func TestAddItem_CopiesProductFields(t *testing.T) {
	svc := newTestService(t, &mockStore{}, nil)
	p := newTestProduct("p1", "30")
	p.DiscountPrice = decimal.NewNullDecimal(dec("25"))

	snap, err := svc.AddItem(context.Background(), p, "black", "42", 1)
	require.NoError(t, err)

	item := snap.Items[0]
	assert.Equal(t, "p1", item.ProductID)
	assert.Equal(t, "Product p1", item.Title)
	assert.Equal(t, "black", item.Color)
	assert.Equal(t, "42", item.Size)
	assert.Equal(t, "p1.jpg", item.Thumbnail)
	assert.Equal(t, "shoes", item.Category)
	assert.True(t, dec("25").Equal(snap.Totals.Subtotal))
}

func TestAddItem_Validation(t *testing.T) {
	tests := []struct {
		name     string
		product  product.Product
		quantity int
		field    string
	}{
		{name: "zero quantity", product: newTestProduct("p1", "10"), quantity: 0, field: "quantity"},
		{name: "negative quantity", product: newTestProduct("p1", "10"), quantity: -1, field: "quantity"},
		{name: "over cap", product: newTestProduct("p1", "10"), quantity: 100, field: "quantity"},
		{name: "missing product id", product: product.Product{Price: dec("1")}, quantity: 1, field: "product"},
		{name: "negative price", product: newTestProduct("p1", "-1"), quantity: 1, field: "product"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			svc := newTestService(t, store, nil)

			snap, err := svc.AddItem(context.Background(), tt.product, "", "", tt.quantity)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Empty(t, snap.Items)
			assert.Zero(t, store.saves)
		})
	}
}

func TestAddItem_MergeOverCapRejected(t *testing.T) {
	svc := newTestService(t, &mockStore{}, nil, WithMaxQuantity(5))
	ctx := context.Background()
	p := newTestProduct("p1", "10")

	_, err := svc.AddItem(ctx, p, "", "", 4)
	require.NoError(t, err)

	snap, err := svc.AddItem(ctx, p, "", "", 2)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 4, snap.Items[0].Quantity)
}

func TestUpdateQuantity(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)

	snap, err := svc.UpdateQuantity(ctx, "item-1", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Items[0].Quantity)
	assert.True(t, dec("90").Equal(snap.Totals.Subtotal))
	assert.True(t, snap.Totals.Shipping.IsZero())
	assertDualWrite(t, store, snap)
}

func TestUpdateQuantity_Errors(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 2)
	require.NoError(t, err)
	before := svc.Snapshot()

	var vErr *ValidationError
	_, err = svc.UpdateQuantity(ctx, "item-1", 0)
	require.ErrorAs(t, err, &vErr)
	_, err = svc.UpdateQuantity(ctx, "item-1", -3)
	require.ErrorAs(t, err, &vErr)
	_, err = svc.UpdateQuantity(ctx, "item-1", 100)
	require.ErrorAs(t, err, &vErr)

	_, err = svc.UpdateQuantity(ctx, "missing", 1)
	require.ErrorIs(t, err, ErrItemNotFound)

	after := svc.Snapshot()
	assert.True(t, EqualItems(before.Items, after.Items))
	assert.Equal(t, before.Version, after.Version)
}

func TestDeleteItem(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, newTestProduct("p2", "20"), "", "", 1)
	require.NoError(t, err)

	snap, err := svc.DeleteItem(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "p2", snap.Items[0].ProductID)
	assertDualWrite(t, store, snap)

	_, err = svc.DeleteItem(ctx, "item-1")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestClearCart_ResetsPromo(t *testing.T) {
	store := &mockStore{}
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE15": {Code: "SAVE15", Value: dec("15")},
	}}
	svc := newTestService(t, store, coupons)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "40"), "", "", 3)
	require.NoError(t, err)
	snap, err := svc.ApplyPromo(ctx, "SAVE15")
	require.NoError(t, err)
	require.True(t, snap.Promo.Applied)

	snap, err = svc.ClearCart(ctx)
	require.NoError(t, err)

	assert.NotNil(t, snap.Items)
	assert.Empty(t, snap.Items)
	assert.Equal(t, Promo{}, snap.Promo)
	assertTotals(t, Totals{Subtotal: dec("0"), Discount: dec("0"), Shipping: dec("7.99"), Total: dec("7.99")}, snap.Totals)
	assert.Empty(t, store.stored())
}

func TestApplyPromo_Success(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE20": {Code: "SAVE20", Value: dec("20"), Description: "20% off"},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "50"), "", "", 2)
	require.NoError(t, err)

	snap, err := svc.ApplyPromo(ctx, "  SAVE20 ")
	require.NoError(t, err)

	assert.Equal(t, []string{"SAVE20"}, coupons.calls)
	assert.True(t, snap.Promo.Applied)
	assert.Equal(t, "SAVE20", snap.Promo.Code)
	require.NotNil(t, snap.Promo.Coupon)
	assert.Equal(t, snap.Promo.Code, snap.Promo.Coupon.Code)
	assert.False(t, snap.Validating)
	assertTotals(t, Totals{Subtotal: dec("100"), Discount: dec("20"), Shipping: dec("0"), Total: dec("80")}, snap.Totals)
}

func TestApplyPromo_EmptyCode(t *testing.T) {
	coupons := &mockCoupons{}
	svc := newTestService(t, &mockStore{}, coupons)

	_, err := svc.ApplyPromo(context.Background(), "   ")

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "code", vErr.Field)
	assert.Empty(t, coupons.calls)
}

func TestApplyPromo_NotFoundResetsPromo(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE10": {Code: "SAVE10", Value: dec("10")},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "50"), "", "", 1)
	require.NoError(t, err)
	_, err = svc.ApplyPromo(ctx, "SAVE10")
	require.NoError(t, err)

	snap, err := svc.ApplyPromo(ctx, "BOGUS")
	require.ErrorIs(t, err, coupon.ErrNotFound)
	assert.Contains(t, err.Error(), "Coupon not found")
	assert.Equal(t, Promo{}, snap.Promo)
	assert.True(t, snap.Totals.Discount.IsZero())
}

func TestApplyPromo_ExpiredResetsPromo(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE10": {Code: "SAVE10", Value: dec("10")},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.ApplyPromo(ctx, "SAVE10")
	require.NoError(t, err)

	coupons.err = coupon.ErrExpired
	snap, err := svc.ApplyPromo(ctx, "SAVE10")
	require.ErrorIs(t, err, coupon.ErrExpired)
	assert.False(t, snap.Promo.Applied)
}

func TestApplyPromo_TransientKeepsPromo(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE10": {Code: "SAVE10", Value: dec("10")},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.ApplyPromo(ctx, "SAVE10")
	require.NoError(t, err)

	coupons.err = &coupon.TransientError{Op: "validate", Err: errors.New("connection refused")}
	snap, err := svc.ApplyPromo(ctx, "OTHER")
	require.Error(t, err)
	assert.True(t, coupon.IsTransient(err))
	assert.True(t, snap.Promo.Applied)
	assert.Equal(t, "SAVE10", snap.Promo.Code)
}

func TestApplyPromo_TimeoutIsTransient(t *testing.T) {
	coupons := &mockCoupons{
		coupons: map[string]*coupon.Coupon{"SLOW": {Code: "SLOW", Value: dec("10")}},
		gates:   map[string]chan struct{}{"SLOW": make(chan struct{})},
	}
	svc := newTestService(t, &mockStore{}, coupons, WithCouponTimeout(10*time.Millisecond))

	snap, err := svc.ApplyPromo(context.Background(), "SLOW")
	require.Error(t, err)
	assert.True(t, coupon.IsTransient(err))
	assert.False(t, snap.Promo.Applied)
	assert.False(t, snap.Validating)
}

func TestApplyPromo_StaleResultDiscarded(t *testing.T) {
	slowGate := make(chan struct{})
	coupons := &mockCoupons{
		coupons: map[string]*coupon.Coupon{
			"OLD": {Code: "OLD", Value: dec("50")},
			"NEW": {Code: "NEW", Value: dec("10")},
		},
		gates: map[string]chan struct{}{"OLD": slowGate},
	}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "100"), "", "", 1)
	require.NoError(t, err)

	validating := make(chan struct{})
	unsubscribe := svc.State().Subscribe(func(s Snapshot) {
		if s.Validating {
			select {
			case <-validating:
			default:
				close(validating)
			}
		}
	})
	defer unsubscribe()

	oldErr := make(chan error, 1)
	go func() {
		_, err := svc.ApplyPromo(ctx, "OLD")
		oldErr <- err
	}()
	<-validating

	snap, err := svc.ApplyPromo(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, "NEW", snap.Promo.Code)
	assert.True(t, snap.Validating)

	close(slowGate)
	require.ErrorIs(t, <-oldErr, ErrSuperseded)

	final := svc.Snapshot()
	assert.Equal(t, "NEW", final.Promo.Code)
	assert.True(t, dec("10").Equal(final.Totals.Discount))
	assert.False(t, final.Validating)
}

func TestApplyPromo_InFlightResultDroppedAfterReset(t *testing.T) {
	tests := []struct {
		name  string
		reset func(ctx context.Context, svc *Service) (Snapshot, error)
		items int
	}{
		{
			name:  "clear cart",
			reset: func(ctx context.Context, svc *Service) (Snapshot, error) { return svc.ClearCart(ctx) },
			items: 0,
		},
		{
			name:  "remove promo",
			reset: func(ctx context.Context, svc *Service) (Snapshot, error) { return svc.RemovePromo(ctx) },
			items: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			coupons := &mockCoupons{
				coupons: map[string]*coupon.Coupon{"SAVE15": {Code: "SAVE15", Value: dec("15")}},
				gates:   map[string]chan struct{}{"SAVE15": gate},
			}
			store := &mockStore{}
			svc := newTestService(t, store, coupons)
			ctx := context.Background()

			_, err := svc.AddItem(ctx, newTestProduct("p1", "100"), "", "", 1)
			require.NoError(t, err)

			validating := make(chan struct{})
			unsubscribe := svc.State().Subscribe(func(s Snapshot) {
				if s.Validating {
					select {
					case <-validating:
					default:
						close(validating)
					}
				}
			})
			defer unsubscribe()

			applyErr := make(chan error, 1)
			go func() {
				_, err := svc.ApplyPromo(ctx, "SAVE15")
				applyErr <- err
			}()
			<-validating

			_, err = tt.reset(ctx, svc)
			require.NoError(t, err)

			close(gate)
			require.ErrorIs(t, <-applyErr, ErrSuperseded)

			final := svc.Snapshot()
			assert.False(t, final.Promo.Applied)
			assert.Empty(t, final.Promo.Code)
			assert.Len(t, final.Items, tt.items)
			assert.True(t, final.Totals.Discount.IsZero())
			assert.False(t, final.Validating)
			assertDualWrite(t, store, final)
		})
	}
}

func TestApplyPromo_CanceledIsTransient(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE10": {Code: "SAVE10", Value: dec("10")},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.ApplyPromo(ctx, "SAVE10")
	require.NoError(t, err)

	coupons.err = context.Canceled
	snap, err := svc.ApplyPromo(ctx, "OTHER")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, coupon.IsTransient(err))
	assert.True(t, snap.Promo.Applied)
	assert.Equal(t, "SAVE10", snap.Promo.Code)
}

func TestRemovePromo_MatchesNeverApplied(t *testing.T) {
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE25": {Code: "SAVE25", Value: dec("25")},
	}}
	svc := newTestService(t, &mockStore{}, coupons)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "33.30"), "", "", 3)
	require.NoError(t, err)
	baseline := svc.Snapshot().Totals

	_, err = svc.ApplyPromo(ctx, "SAVE25")
	require.NoError(t, err)
	snap, err := svc.RemovePromo(ctx)
	require.NoError(t, err)

	assert.Equal(t, Promo{}, snap.Promo)
	assertTotals(t, baseline, snap.Totals)
}

func TestStorageFailure_MarksUnsynced(t *testing.T) {
	store := &mockStore{saveErr: errors.New("quota exceeded")}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	snap, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)
	assert.True(t, snap.Unsynced)
	require.Len(t, snap.Items, 1)
	assert.Empty(t, store.stored())

	_, err = svc.Sync(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save cart")

	store.setSaveErr(nil)
	snap, err = svc.UpdateQuantity(ctx, "item-1", 2)
	require.NoError(t, err)
	assert.False(t, snap.Unsynced)
	assertDualWrite(t, store, snap)
}

func TestSync_RetriesFailedWrite(t *testing.T) {
	store := &mockStore{saveErr: errors.New("disk full")}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)

	store.setSaveErr(nil)
	snap, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Unsynced)
	assertDualWrite(t, store, snap)

	saves := store.saves
	_, err = svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, saves, store.saves)
}

func TestRemovePromo_RetriesUnsyncedWrite(t *testing.T) {
	store := &mockStore{saveErr: errors.New("unavailable")}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)

	store.setSaveErr(nil)
	snap, err := svc.RemovePromo(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Unsynced)
	assertDualWrite(t, store, snap)
}

func TestReload(t *testing.T) {
	stored := []Item{
		{ID: "a", ProductID: "p1", Price: dec("45"), Quantity: 2},
	}
	store := &mockStore{items: stored}
	coupons := &mockCoupons{coupons: map[string]*coupon.Coupon{
		"SAVE10": {Code: "SAVE10", Value: dec("10")},
	}}
	svc := newTestService(t, store, coupons)
	ctx := context.Background()

	_, err := svc.ApplyPromo(ctx, "SAVE10")
	require.NoError(t, err)

	snap, err := svc.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, EqualItems(stored, snap.Items))
	assert.True(t, snap.Promo.Applied)
	assertTotals(t, Totals{Subtotal: dec("90"), Discount: dec("9"), Shipping: dec("0"), Total: dec("81")}, snap.Totals)
}

func TestReload_EmptyStore(t *testing.T) {
	svc := newTestService(t, &mockStore{}, nil)

	snap, err := svc.Reload(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.Items)
	assert.Empty(t, snap.Items)
}

func TestReload_LoadError(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)

	store.loadErr = errors.New("io error")
	snap, err := svc.Reload(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load cart")
	assert.Len(t, snap.Items, 1)
}

func TestService_PublishesEveryChange(t *testing.T) {
	svc := newTestService(t, &mockStore{}, nil)
	ctx := context.Background()

	var versions []uint64
	svc.State().Subscribe(func(s Snapshot) {
		versions = append(versions, s.Version)
	})

	_, err := svc.AddItem(ctx, newTestProduct("p1", "10"), "", "", 1)
	require.NoError(t, err)
	_, err = svc.UpdateQuantity(ctx, "item-1", 3)
	require.NoError(t, err)
	_, err = svc.DeleteItem(ctx, "item-1")
	require.NoError(t, err)

	require.Len(t, versions, 3)
	assert.Less(t, versions[0], versions[1])
	assert.Less(t, versions[1], versions[2])
}
