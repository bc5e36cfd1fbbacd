// Package memstore keeps cart records in process memory.
package memstore

import (
	"context"
	"sync"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend stores encoded cart records per session in a map.
type Backend struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{records: make(map[string][]byte)}
}

func (b *Backend) Cart(sessionID string) cart.Store {
	return &slot{b: b, id: sessionID}
}

func (b *Backend) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored sessions.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

type slot struct {
	b  *Backend
	id string
}

func (s *slot) Load(ctx context.Context) ([]cart.Item, error) {
	s.b.mu.RLock()
	data, ok := s.b.records[s.id]
	s.b.mu.RUnlock()
	if !ok {
		return []cart.Item{}, nil
	}
	return storage.Decode(ctx, data), nil
}

func (s *slot) Save(_ context.Context, items []cart.Item) error {
	data, err := storage.Encode(items)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	s.b.records[s.id] = data
	s.b.mu.Unlock()
	return nil
}
