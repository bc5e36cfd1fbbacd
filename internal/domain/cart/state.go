package cart

import (
	"slices"
	"sync"
)

// State is the shared view of one cart. Presentation layers read it through
// Snapshot and Subscribe; only the Service that owns it publishes.
type State struct {
	mu      sync.RWMutex
	snap    Snapshot
	subs    map[uint64]func(Snapshot)
	nextSub uint64
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		snap: Snapshot{
			Items:  []Item{},
			Totals: DefaultPricing().Compute(nil, Promo{}),
		},
		subs: make(map[uint64]func(Snapshot)),
	}
}

// Snapshot returns a copy of the last published snapshot.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snap)
}

// Subscribe registers fn to be called with every published snapshot. Calls
// happen on the publishing goroutine after the state is updated. The returned
// function removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *State) publish(snap Snapshot) Snapshot {
	s.mu.Lock()
	snap.Version = s.snap.Version + 1
	s.snap = cloneSnapshot(snap)
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(cloneSnapshot(snap))
	}
	return snap
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Items = slices.Clone(s.Items)
	if s.Items == nil {
		s.Items = []Item{}
	}
	if s.Promo.Coupon != nil {
		c := *s.Promo.Coupon
		s.Promo.Coupon = &c
	}
	return s
}
