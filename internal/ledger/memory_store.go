package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests. It mirrors
// the transactional semantics of PostgresStore under a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  []*Entry
	escrows  map[string]*Escrow
	byJob    map[string]string // job ID -> escrow ID
	events   map[string][]*Event
}

// NewMemoryStore creates a new in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]decimal.Decimal),
		escrows:  make(map[string]*Escrow),
		byJob:    make(map[string]string),
		events:   make(map[string][]*Event),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[agentID], nil
}

func (m *MemoryStore) Credit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(agentID, amount)
	m.record(agentID, amount, entryType, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[agentID].LessThan(amount) {
		return ErrInsufficientBalance
	}
	m.credit(agentID, amount.Neg())
	m.record(agentID, amount.Neg(), entryType, reference, description)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, agentID string, limit int, beforeID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Entries are appended in order; walk backwards for newest-first.
	var out []*Entry
	skipping := beforeID != ""
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if skipping {
			if e.ID == beforeID {
				skipping = false
			}
			continue
		}
		if e.AgentID == agentID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryStore) FundEscrow(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byJob[esc.JobID]; exists {
		return ErrAlreadyFunded
	}
	if m.balances[esc.ClientID].LessThan(esc.Amount) {
		return ErrInsufficientBalance
	}

	copied := *esc
	m.escrows[esc.ID] = &copied
	m.byJob[esc.JobID] = esc.ID
	m.credit(esc.ClientID, esc.Amount.Neg())
	m.record(esc.ClientID, esc.Amount.Neg(), EntryEscrowFund, esc.JobID, "")
	m.appendEvent(esc.ID, "created", esc.Amount, nil)
	m.appendEvent(esc.ID, "funded", esc.Amount, nil)
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	copied := *esc
	return &copied, nil
}

func (m *MemoryStore) GetEscrowByJob(ctx context.Context, jobID string) (*Escrow, error) {
	m.mu.Lock()
	id, ok := m.byJob[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.GetEscrow(ctx, id)
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, escrowID string, split FeeSplit) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if esc.Status != EscrowFunded {
		return nil, ErrNotFunded
	}

	sellerCredit := esc.Amount.Sub(split.SellerShare)
	m.credit(esc.SellerID, sellerCredit)
	m.record(esc.SellerID, esc.Amount, EntryEscrowReceive, esc.JobID, "")
	m.record(esc.SellerID, split.SellerShare.Neg(), EntryFeeBase, esc.JobID, "")

	collected := split.ClientShare
	if m.balances[esc.ClientID].LessThan(collected) {
		collected = m.balances[esc.ClientID]
	}
	if collected.Sign() > 0 {
		m.credit(esc.ClientID, collected.Neg())
		m.record(esc.ClientID, collected.Neg(), EntryFeeBase, esc.JobID, "")
	}

	platformTake := split.SellerShare.Add(collected)
	if platformTake.Sign() > 0 {
		m.credit(PlatformAccount, platformTake)
		m.record(PlatformAccount, platformTake, EntryFeeBase, esc.JobID, "")
	}

	now := time.Now().UTC()
	esc.Status = EscrowReleased
	esc.SettledAt = &now

	meta := map[string]any{
		"fee_total":              split.Total.String(),
		"seller_share":           split.SellerShare.String(),
		"client_share":           split.ClientShare.String(),
		"client_share_collected": collected.String(),
		"seller_credit":          sellerCredit.String(),
	}
	if collected.LessThan(split.ClientShare) {
		meta["absorbed"] = split.ClientShare.Sub(collected).String()
	}
	m.appendEvent(escrowID, "released", esc.Amount, meta)

	copied := *esc
	return &copied, nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if esc.Status != EscrowFunded {
		return nil, ErrNotFunded
	}

	m.credit(esc.ClientID, esc.Amount)
	m.record(esc.ClientID, esc.Amount, EntryEscrowRefund, esc.JobID, "")

	now := time.Now().UTC()
	esc.Status = EscrowRefunded
	esc.SettledAt = &now
	m.appendEvent(escrowID, "refunded", esc.Amount, nil)

	copied := *esc
	return &copied, nil
}

func (m *MemoryStore) EscrowEvents(ctx context.Context, escrowID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[escrowID]
	out := make([]*Event, len(events))
	for i, ev := range events {
		copied := *ev
		out[i] = &copied
	}
	return out, nil
}

// Callers must hold m.mu.

func (m *MemoryStore) credit(agentID string, amount decimal.Decimal) {
	m.balances[agentID] = m.balances[agentID].Add(amount)
}

func (m *MemoryStore) record(agentID string, amount decimal.Decimal, entryType, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		AgentID:     agentID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}

func (m *MemoryStore) appendEvent(escrowID, event string, amount decimal.Decimal, metadata map[string]any) {
	m.events[escrowID] = append(m.events[escrowID], &Event{
		ID:        idgen.WithPrefix("ev_"),
		EscrowID:  escrowID,
		Event:     event,
		Amount:    amount,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
}
