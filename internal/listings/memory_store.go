package listings

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ReputationLookup returns a seller's reputation for discovery ranking.
type ReputationLookup func(sellerID string) decimal.Decimal

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	repOf    ReputationLookup
}

// NewMemoryStore creates a new in-memory listings store. The lookup ranks
// discovery results; nil ranks all sellers equally.
func NewMemoryStore(repOf ReputationLookup) *MemoryStore {
	if repOf == nil {
		repOf = func(string) decimal.Decimal { return decimal.Zero }
	}
	return &MemoryStore{
		listings: make(map[string]*Listing),
		repOf:    repOf,
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *l
	m.listings[l.ID] = &copied
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *l
	return &copied, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; !ok {
		return ErrNotFound
	}
	copied := *l
	m.listings[l.ID] = &copied
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Listing
	for _, l := range m.listings {
		if l.SellerID == sellerID {
			copied := *l
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Discover(ctx context.Context, filter DiscoverFilter) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Listing
	for _, l := range m.listings {
		if !l.Active {
			continue
		}
		if filter.Category != "" && l.Category != filter.Category {
			continue
		}
		if filter.MaxPrice != nil && l.Price.GreaterThan(*filter.MaxPrice) {
			continue
		}
		copied := *l
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := m.repOf(out[i].SellerID), m.repOf(out[j].SellerID)
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
