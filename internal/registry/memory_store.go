package registry

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byKey  map[string]string // public key -> agent ID
}

// NewMemoryStore creates a new in-memory registry store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[agent.PublicKey]; exists {
		return ErrDuplicateKey
	}
	if agent.Email != "" {
		for _, a := range m.agents {
			if a.Email == agent.Email && a.Status == StatusActive {
				return ErrDuplicateEmail
			}
		}
	}

	copied := *agent
	m.agents[agent.ID] = &copied
	m.byKey[agent.PublicKey] = agent.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (m *MemoryStore) GetByPublicKey(ctx context.Context, publicKey string) (*Agent, error) {
	m.mu.RLock()
	id, ok := m.byKey[publicKey]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) HasActiveEmail(ctx context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Email == email && a.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Update(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	copied := *agent
	copied.PublicKey = existing.PublicKey
	m.agents[agent.ID] = &copied
	return nil
}

func (m *MemoryStore) UpdateReputation(ctx context.Context, id string, seller, client decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.ReputationSeller = seller
	agent.ReputationClient = client
	return nil
}
