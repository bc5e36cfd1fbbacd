// Package redisstore keeps cart records in Redis under cart:<session>.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend stores one string key per session. A zero TTL keeps records
// forever; otherwise every save refreshes the expiry.
type Backend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New returns a Backend over client.
func New(client redis.UniversalClient, ttl time.Duration) *Backend {
	return &Backend{client: client, ttl: ttl}
}

// NewClient parses a redis:// URL or a plain host:port address.
func NewClient(addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	return redis.NewClient(opts), nil
}

func (b *Backend) Cart(sessionID string) cart.Store {
	return &slot{b: b, key: Key(sessionID)}
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Key returns the Redis key holding the session's cart.
func Key(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}

type slot struct {
	b   *Backend
	key string
}

func (s *slot) Load(ctx context.Context) ([]cart.Item, error) {
	data, err := s.b.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []cart.Item{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", s.key)
	}
	return storage.Decode(ctx, data), nil
}

func (s *slot) Save(ctx context.Context, items []cart.Item) error {
	data, err := storage.Encode(items)
	if err != nil {
		return err
	}
	if err := s.b.client.Set(ctx, s.key, data, s.b.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", s.key)
	}
	return nil
}
