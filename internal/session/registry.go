// Package session maps shopper sessions to their cart orchestrators.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/storage"
)

// Factory builds the orchestrator for one session over its durable slot.
type Factory func(store cart.Store) (*cart.Service, error)

type entry struct {
	svc      *cart.Service
	lastUsed atomic.Int64
}

// Registry hands out one cart.Service per session, hydrating it from the
// backend the first time the session is seen. Concurrent first requests for
// the same session share a single hydration.
type Registry struct {
	backend storage.Backend
	factory Factory
	idleTTL time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	carts map[string]*entry
	group singleflight.Group
}

// New returns a Registry. Sessions unused for idleTTL are dropped from
// memory by Cleanup; a non-positive idleTTL keeps them forever.
func New(backend storage.Backend, factory Factory, idleTTL time.Duration) *Registry {
	return &Registry{
		backend: backend,
		factory: factory,
		idleTTL: idleTTL,
		now:     time.Now,
		carts:   make(map[string]*entry),
	}
}

// Get returns the session's orchestrator.
func (r *Registry) Get(ctx context.Context, sessionID string) (*cart.Service, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	r.mu.RLock()
	e, ok := r.carts[sessionID]
	r.mu.RUnlock()
	if ok {
		e.lastUsed.Store(r.now().UnixNano())
		return e.svc, nil
	}

	// Hydration must not fail for every waiter when the first caller goes
	// away.
	hctx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(sessionID, func() (any, error) {
		r.mu.RLock()
		e, ok := r.carts[sessionID]
		r.mu.RUnlock()
		if ok {
			return e, nil
		}

		svc, err := r.factory(r.backend.Cart(sessionID))
		if err != nil {
			return nil, errors.Wrap(err, "create cart")
		}
		if _, err := svc.Reload(hctx); err != nil {
			return nil, errors.Wrapf(err, "hydrate session %s", sessionID)
		}

		e = &entry{svc: svc}
		e.lastUsed.Store(r.now().UnixNano())
		r.mu.Lock()
		r.carts[sessionID] = e
		r.mu.Unlock()

		zctx.From(hctx).Debug("Session hydrated",
			zap.String("session", sessionID),
			zap.Int("items", len(svc.Snapshot().Items)),
		)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e = v.(*entry)
	e.lastUsed.Store(r.now().UnixNano())
	return e.svc, nil
}

// Len returns the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.carts)
}

// Ping checks the durable backend.
func (r *Registry) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// Cleanup drops idle sessions whose last write reached storage. Unsynced
// sessions stay in memory so their state is not lost. It returns the number
// of dropped sessions.
func (r *Registry) Cleanup(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idleTTL).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped int
	for id, e := range r.carts {
		if e.lastUsed.Load() > cutoff || e.svc.Snapshot().Unsynced {
			continue
		}
		delete(r.carts, id)
		dropped++
	}
	return dropped
}

// StartCleanup runs Cleanup every interval until ctx is cancelled.
func (r *Registry) StartCleanup(ctx context.Context, interval time.Duration) {
	if r.idleTTL <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := r.Cleanup(now); n > 0 {
					zctx.From(ctx).Debug("Evicted idle sessions", zap.Int("count", n))
				}
			}
		}
	}()
}
