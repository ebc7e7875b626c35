package accounts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryStore creates a new in-memory token store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (m *MemoryStore) Save(ctx context.Context, tok *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *tok
	m.tokens[tok.Token] = &copied
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, token string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	copied := *tok
	return &copied, nil
}

func (m *MemoryStore) Consume(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return ErrTokenNotFound
	}
	if tok.ConsumedAt != nil {
		return ErrTokenConsumed
	}
	now := time.Now().UTC()
	tok.ConsumedAt = &now
	return nil
}
