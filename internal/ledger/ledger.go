// Package ledger tracks agent credit balances and the escrow lifecycle.
//
// Flow:
//  1. Deposits credit an agent's balance (via the wallet package)
//  2. Funding a job moves the agreed price from the client into escrow
//  3. Settlement releases escrow to the seller minus the platform fee,
//     or refunds it to the client
//  4. Withdrawals debit the balance (via the wallet package)
//
// Every balance mutation writes a ledger entry, and every escrow
// transition appends an immutable escrow event.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/fees"
	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrAlreadyFunded       = errors.New("job already has an escrow")
	ErrNotFunded           = errors.New("escrow is not in funded state")
)

// PlatformAccount is the balance row that accumulates platform fees.
const PlatformAccount = "platform"

// EscrowStatus represents the state of an escrow.
type EscrowStatus string

const (
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Entry types recorded on balance mutations.
const (
	EntryDeposit          = "deposit"
	EntryWithdrawal       = "withdrawal"
	EntryWithdrawalRefund = "withdrawal_refund"
	EntryEscrowFund       = "escrow_fund"
	EntryEscrowReceive    = "escrow_receive"
	EntryEscrowRefund     = "escrow_refund"
	EntryFeeBase          = "fee_base"
	EntryFeeStorage       = "fee_storage"
	EntryFeeVerification  = "fee_verification"
	EntryFeeWithdrawal    = "fee_withdrawal"
)

// Entry is a single ledger line for an agent.
type Entry struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"` // positive = credit, negative = debit
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Escrow holds a client's funds for a job until settlement.
type Escrow struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	ClientID  string          `json:"client_id"`
	SellerID  string          `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    EscrowStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// Event is an append-only audit record for an escrow transition.
type Event struct {
	ID        string          `json:"id"`
	EscrowID  string          `json:"escrow_id"`
	Event     string          `json:"event"` // created, funded, released, refunded
	Amount    decimal.Decimal `json:"amount"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FeeSplit is the platform fee breakdown applied at release.
type FeeSplit struct {
	Total       decimal.Decimal
	SellerShare decimal.Decimal
	ClientShare decimal.Decimal
}

// Store persists balances, entries, escrows and events. Mutating methods
// are atomic: each runs in a single transaction with row-level locks.
type Store interface {
	Balance(ctx context.Context, agentID string) (decimal.Decimal, error)
	Credit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error
	Debit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error
	History(ctx context.Context, agentID string, limit int, beforeID string) ([]*Entry, error)

	FundEscrow(ctx context.Context, esc *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByJob(ctx context.Context, jobID string) (*Escrow, error)
	ReleaseEscrow(ctx context.Context, escrowID string, split FeeSplit) (*Escrow, error)
	RefundEscrow(ctx context.Context, escrowID string) (*Escrow, error)
	EscrowEvents(ctx context.Context, escrowID string) ([]*Event, error)
}

// Service wraps a Store with fee computation and logging.
type Service struct {
	store    Store
	schedule fees.Schedule
	logger   *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a ledger service.
func NewService(store Store, schedule fees.Schedule, opts ...Option) *Service {
	s := &Service{store: store, schedule: schedule, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Balance returns an agent's available balance.
func (s *Service) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, agentID)
}

// History returns ledger entries for an agent, newest first.
func (s *Service) History(ctx context.Context, agentID string, limit int, beforeID string) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.History(ctx, agentID, limit, beforeID)
}

// Credit adds funds to an agent's balance. Used for confirmed deposits and
// withdrawal refunds.
func (s *Service) Credit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.store.Credit(ctx, agentID, amount, entryType, reference, description)
}

// CreditTx posts a credit inside a caller-owned database transaction.
// Only available when the service runs on the Postgres store.
func (s *Service) CreditTx(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pg, ok := s.store.(*PostgresStore)
	if !ok {
		return fmt.Errorf("transactional credit requires the postgres store")
	}
	return pg.CreditTx(ctx, tx, agentID, amount, entryType, reference, description)
}

// Debit removes funds from an agent's balance. Used for withdrawals.
func (s *Service) Debit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.store.Debit(ctx, agentID, amount, entryType, reference, description)
}

// ChargeFee debits a flat fee from an agent and credits the platform
// account. Fee types map to entry types (fee_storage, fee_verification).
func (s *Service) ChargeFee(ctx context.Context, agentID string, amount decimal.Decimal, entryType, jobID string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Debit(ctx, agentID, amount, entryType, jobID, ""); err != nil {
		return err
	}
	if err := s.store.Credit(ctx, PlatformAccount, amount, entryType, jobID, ""); err != nil {
		// The agent was already debited. Flag loudly so the platform
		// row can be reconciled from ledger entries.
		s.logger.Error("CRITICAL: platform fee credit failed after agent debit",
			"agent", agentID, "amount", amount, "type", entryType, "job", jobID, "error", err)
		return err
	}
	return nil
}

// FundEscrow debits the client and opens a funded escrow for the job.
func (s *Service) FundEscrow(ctx context.Context, jobID, clientID, sellerID string, amount decimal.Decimal) (*Escrow, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	esc := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		JobID:     jobID,
		ClientID:  clientID,
		SellerID:  sellerID,
		Amount:    amount,
		Status:    EscrowFunded,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.FundEscrow(ctx, esc); err != nil {
		return nil, err
	}
	observeEscrow("funded", amount)
	s.logger.Info("escrow funded", "escrow", esc.ID, "job", jobID, "amount", amount)
	return esc, nil
}

// ReleaseEscrow pays the seller and collects the platform fee. The base fee
// is computed on the escrowed amount and split between the parties; the
// client's half is collected best-effort from their remaining balance.
func (s *Service) ReleaseEscrow(ctx context.Context, jobID string) (*Escrow, error) {
	esc, err := s.store.GetEscrowByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	total := s.schedule.Base(esc.Amount)
	sellerShare, clientShare := fees.SplitBase(total)

	released, err := s.store.ReleaseEscrow(ctx, esc.ID, FeeSplit{
		Total:       total,
		SellerShare: sellerShare,
		ClientShare: clientShare,
	})
	if err != nil {
		return nil, err
	}
	observeEscrow("released", esc.Amount)
	s.logger.Info("escrow released", "escrow", esc.ID, "job", jobID,
		"amount", esc.Amount, "fee", total)
	return released, nil
}

// RefundEscrow returns the full escrowed amount to the client.
func (s *Service) RefundEscrow(ctx context.Context, jobID string) (*Escrow, error) {
	esc, err := s.store.GetEscrowByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	refunded, err := s.store.RefundEscrow(ctx, esc.ID)
	if err != nil {
		return nil, err
	}
	observeEscrow("refunded", esc.Amount)
	s.logger.Info("escrow refunded", "escrow", esc.ID, "job", jobID, "amount", esc.Amount)
	return refunded, nil
}

func observeEscrow(outcome string, amount decimal.Decimal) {
	metrics.EscrowsTotal.WithLabelValues(outcome).Inc()
	metrics.EscrowVolume.WithLabelValues(outcome).Add(amount.InexactFloat64())
}

// EscrowByJob returns the escrow backing a job, if any.
func (s *Service) EscrowByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return s.store.GetEscrowByJob(ctx, jobID)
}

// Events returns the audit trail for an escrow, oldest first.
func (s *Service) Events(ctx context.Context, escrowID string) ([]*Event, error) {
	return s.store.EscrowEvents(ctx, escrowID)
}
