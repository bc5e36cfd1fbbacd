package cart

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/coupon"
	"github.com/xenking/kart-cart/internal/domain/product"
)

const (
	// DefaultMaxQuantity caps the quantity of a single cart line.
	DefaultMaxQuantity = 99
	// DefaultCouponTimeout bounds a single promo code validation.
	DefaultCouponTimeout = 5 * time.Second
)

// Option configures a Service.
type Option func(*options)

type options struct {
	pricing        Pricing
	maxQuantity    int
	couponTimeout  time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	newID          func() string
}

// WithPricing sets the shipping rules.
func WithPricing(p Pricing) Option {
	return func(o *options) { o.pricing = p }
}

// WithMaxQuantity sets the per-line quantity cap. Non-positive values keep
// the default.
func WithMaxQuantity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQuantity = n
		}
	}
}

// WithCouponTimeout bounds each promo code validation.
func WithCouponTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.couponTimeout = d
		}
	}
}

// WithMeterProvider sets the meter provider for cart metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for cart spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithIDGenerator sets the function producing new cart item IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Service orchestrates every change to one cart. Each mutating operation
// computes the new item list, writes it to the Store, publishes it to the
// State and recomputes the totals. Operations are serialized internally.
type Service struct {
	store   Store
	coupons coupon.Validator
	state   *State
	opts    options
	tel     *telemetry

	mu       sync.Mutex
	items    []Item
	promo    Promo
	unsynced bool
	pending  int

	// promoSeq is the token of the latest issued promo validation.
	promoSeq atomic.Uint64
}

// NewService creates a Service writing to store and state, validating promo
// codes with coupons. The state is reset to an empty cart; call Reload to
// hydrate it from the store.
func NewService(store Store, coupons coupon.Validator, state *State, opts ...Option) (*Service, error) {
	o := options{
		pricing:        DefaultPricing(),
		maxQuantity:    DefaultMaxQuantity,
		couponTimeout:  DefaultCouponTimeout,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		newID:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	tel, err := newTelemetry(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, errors.Wrap(err, "init telemetry")
	}

	s := &Service{
		store:   store,
		coupons: coupons,
		state:   state,
		opts:    o,
		tel:     tel,
		items:   []Item{},
	}
	s.publishLocked()
	return s, nil
}

// State returns the shared state the service publishes to.
func (s *Service) State() *State {
	return s.state
}

// Snapshot returns the last published snapshot.
func (s *Service) Snapshot() Snapshot {
	return s.state.Snapshot()
}

// AddItem adds quantity units of the product variant. A line with the same
// product, color and size has its quantity increased; otherwise a new line
// with a fresh ID is appended.
func (s *Service) AddItem(ctx context.Context, p product.Product, color, size string, quantity int) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "AddItem")
	defer func() { finish(err) }()

	if err := p.Validate(); err != nil {
		return s.state.Snapshot(), &ValidationError{Field: "product", Reason: err.Error()}
	}
	if quantity <= 0 {
		return s.state.Snapshot(), &ValidationError{Field: "quantity", Reason: "must be greater than 0"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := slices.Clone(s.items)
	idx := slices.IndexFunc(items, func(it Item) bool { return it.matches(p.ID, color, size) })
	if idx >= 0 {
		merged := items[idx].Quantity + quantity
		if merged > s.opts.maxQuantity {
			return s.state.Snapshot(), s.quantityCapError()
		}
		items[idx].Quantity = merged
	} else {
		if quantity > s.opts.maxQuantity {
			return s.state.Snapshot(), s.quantityCapError()
		}
		items = append(items, Item{
			ID:            s.opts.newID(),
			ProductID:     p.ID,
			Title:         p.Title,
			Color:         color,
			Size:          size,
			Price:         p.Price,
			DiscountPrice: p.DiscountPrice,
			Quantity:      quantity,
			Thumbnail:     p.Thumbnail,
			Category:      p.Category,
		})
	}

	return s.commitLocked(ctx, items, s.promo), nil
}

// UpdateQuantity sets the quantity of the item with the given ID.
func (s *Service) UpdateQuantity(ctx context.Context, itemID string, quantity int) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "UpdateQuantity")
	defer func() { finish(err) }()

	if quantity <= 0 {
		return s.state.Snapshot(), &ValidationError{Field: "quantity", Reason: "must be greater than 0"}
	}
	if quantity > s.opts.maxQuantity {
		return s.state.Snapshot(), s.quantityCapError()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(itemID)
	if idx < 0 {
		return s.state.Snapshot(), errors.Wrapf(ErrItemNotFound, "item %s", itemID)
	}

	items := slices.Clone(s.items)
	items[idx].Quantity = quantity
	return s.commitLocked(ctx, items, s.promo), nil
}

// DeleteItem removes the item with the given ID.
func (s *Service) DeleteItem(ctx context.Context, itemID string) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "DeleteItem")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(itemID)
	if idx < 0 {
		return s.state.Snapshot(), errors.Wrapf(ErrItemNotFound, "item %s", itemID)
	}

	items := slices.Delete(slices.Clone(s.items), idx, idx+1)
	return s.commitLocked(ctx, items, s.promo), nil
}

// ClearCart empties the cart and drops any applied promo code.
func (s *Service) ClearCart(ctx context.Context) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "ClearCart")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.promoSeq.Add(1)
	return s.commitLocked(ctx, []Item{}, Promo{}), nil
}

// Reload replaces the in-memory items with the stored ones and recomputes
// the totals against the current promo state. It is used to hydrate a cart
// at session start.
func (s *Service) Reload(ctx context.Context) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "Reload")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.store.Load(ctx)
	if err != nil {
		return s.state.Snapshot(), errors.Wrap(err, "load cart")
	}
	if items == nil {
		items = []Item{}
	}

	s.items = items
	s.unsynced = false
	return s.publishLocked(), nil
}

// Sync writes the current items to the store when the last write failed.
func (s *Service) Sync(ctx context.Context) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "Sync")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.unsynced {
		return s.state.Snapshot(), nil
	}
	if err := s.store.Save(ctx, s.items); err != nil {
		s.tel.storageFailures.Add(ctx, 1)
		return s.state.Snapshot(), errors.Wrap(err, "save cart")
	}
	s.unsynced = false
	return s.publishLocked(), nil
}

// ApplyPromo validates code and applies the returned coupon.
//
// Unknown or expired codes reset the promo state and return the validator
// error. Transient failures leave the promo state unchanged. When a newer
// ApplyPromo call is issued before this one completes, this result is
// discarded and ErrSuperseded is returned; ClearCart and RemovePromo
// supersede an in-flight call the same way.
func (s *Service) ApplyPromo(ctx context.Context, code string) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "ApplyPromo")
	defer func() { finish(err) }()

	code = strings.TrimSpace(code)
	if code == "" {
		return s.state.Snapshot(), &ValidationError{Field: "code", Reason: "required"}
	}

	token := s.promoSeq.Add(1)
	s.mu.Lock()
	s.pending++
	s.publishLocked()
	s.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, s.opts.couponTimeout)
	c, verr := s.coupons.Validate(vctx, code)
	cancel()
	if verr != nil && !coupon.IsTransient(verr) &&
		(errors.Is(verr, context.DeadlineExceeded) || errors.Is(verr, context.Canceled)) {
		verr = &coupon.TransientError{Op: "validate", Err: verr}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--

	lg := zctx.From(ctx).With(zap.String("code", code))
	if token != s.promoSeq.Load() {
		s.tel.promo(ctx, "superseded")
		lg.Debug("Discarding superseded promo result")
		return s.publishLocked(), ErrSuperseded
	}

	if verr == nil && c == nil {
		verr = &coupon.NotFoundError{Code: code}
	}

	switch {
	case verr == nil:
		applied := *c
		if applied.Code == "" {
			applied.Code = code
		}
		s.tel.promo(ctx, "applied")
		lg.Info("Promo applied", zap.String("value", applied.Value.String()))
		return s.commitLocked(ctx, s.items, Promo{Applied: true, Code: applied.Code, Coupon: &applied}), nil
	case coupon.IsTransient(verr):
		s.tel.promo(ctx, "transient")
		lg.Warn("Promo validation unavailable, keeping promo state", zap.Error(verr))
		return s.publishLocked(), errors.Wrap(verr, "apply promo")
	default:
		s.tel.promo(ctx, "rejected")
		lg.Info("Promo rejected", zap.Error(verr))
		return s.commitLocked(ctx, s.items, Promo{}), errors.Wrap(verr, "apply promo")
	}
}

// RemovePromo drops the applied promo code.
func (s *Service) RemovePromo(ctx context.Context) (_ Snapshot, err error) {
	ctx, finish := s.tel.start(ctx, "RemovePromo")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.promoSeq.Add(1)
	return s.commitLocked(ctx, s.items, Promo{}), nil
}

func (s *Service) indexLocked(itemID string) int {
	return slices.IndexFunc(s.items, func(it Item) bool { return it.ID == itemID })
}

func (s *Service) quantityCapError() error {
	return &ValidationError{Field: "quantity", Reason: "must not exceed " + strconv.Itoa(s.opts.maxQuantity)}
}

// commitLocked writes items to the store when they changed or the previous
// write failed, then publishes. A failed write is logged and marks the cart
// unsynced; the in-memory state is published regardless.
func (s *Service) commitLocked(ctx context.Context, items []Item, promo Promo) Snapshot {
	if s.unsynced || !EqualItems(items, s.items) {
		if err := s.store.Save(ctx, items); err != nil {
			s.unsynced = true
			s.tel.storageFailures.Add(ctx, 1)
			zctx.From(ctx).Warn("Cart storage write failed, continuing in memory",
				zap.Int("items", len(items)),
				zap.Error(err),
			)
		} else {
			s.unsynced = false
		}
	}

	s.items = items
	s.promo = promo
	return s.publishLocked()
}

func (s *Service) publishLocked() Snapshot {
	return s.state.publish(Snapshot{
		Items:      s.items,
		Promo:      s.promo,
		Totals:     s.opts.pricing.Compute(s.items, s.promo),
		Validating: s.pending > 0,
		Unsynced:   s.unsynced,
	})
}
