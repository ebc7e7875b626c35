package wallet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory wallet store for development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	addresses   map[string]*DepositAddress // by agent ID
	deposits    map[string]*Deposit
	txSeen      map[string]bool
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates an in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		addresses:   make(map[string]*DepositAddress),
		deposits:    make(map[string]*Deposit),
		txSeen:      make(map[string]bool),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (m *MemoryStore) GetAddress(_ context.Context, agentID string) (*DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.addresses[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *addr
	return &cp, nil
}

func (m *MemoryStore) GetAddressByAddress(_ context.Context, address string) (*DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range m.addresses {
		if addr.Address == address {
			cp := *addr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateAddress(_ context.Context, addr *DepositAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.addresses[addr.AgentID]; exists {
		return ErrDuplicateDeposit
	}
	cp := *addr
	m.addresses[addr.AgentID] = &cp
	return nil
}

func (m *MemoryStore) NextKeyIndex(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := uint32(0)
	for _, addr := range m.addresses {
		if addr.KeyIndex >= next {
			next = addr.KeyIndex + 1
		}
	}
	return next, nil
}

func (m *MemoryStore) CreateDeposit(_ context.Context, dep *Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txSeen[dep.TxHash] {
		return ErrDuplicateDeposit
	}
	m.txSeen[dep.TxHash] = true
	cp := *dep
	m.deposits[dep.ID] = &cp
	return nil
}

func (m *MemoryStore) ListConfirming(_ context.Context) ([]*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Deposit
	for _, dep := range m.deposits {
		if dep.Status == DepositConfirming {
			cp := *dep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDeposits(_ context.Context, agentID string, limit int) ([]*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Deposit
	for _, dep := range m.deposits {
		if dep.AgentID == agentID {
			cp := *dep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkCredited(_ context.Context, depositID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deposits[depositID]
	if !ok {
		return false, ErrNotFound
	}
	if dep.Status != DepositConfirming {
		return false, nil
	}
	dep.Status = DepositCredited
	dep.CreditedAt = &at
	return true, nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, wd *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wd
	m.withdrawals[wd.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wd, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wd
	return &cp, nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, agentID string, limit int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, wd := range m.withdrawals {
		if wd.AgentID == agentID {
			cp := *wd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimPending(_ context.Context) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Withdrawal
	for _, wd := range m.withdrawals {
		if wd.Status != WithdrawalPending {
			continue
		}
		if oldest == nil || wd.CreatedAt.Before(oldest.CreatedAt) {
			oldest = wd
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = WithdrawalProcessing
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

func (m *MemoryStore) ListStaleProcessing(_ context.Context, olderThan time.Time) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, wd := range m.withdrawals {
		if wd.Status == WithdrawalProcessing && wd.UpdatedAt.Before(olderThan) {
			cp := *wd
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateWithdrawal(_ context.Context, wd *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[wd.ID]; !ok {
		return ErrNotFound
	}
	cp := *wd
	m.withdrawals[wd.ID] = &cp
	return nil
}
