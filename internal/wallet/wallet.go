// Package wallet bridges ledger credits and the on-chain token.
//
// Each agent gets an HD-derived deposit address. Deposits are claimed by
// tx hash, credited once enough confirmations accumulate. Withdrawals
// debit the ledger immediately and a payout worker broadcasts the ERC-20
// transfer from the hot wallet. 1.00 credit equals 1.00 token unit
// (6 decimals on chain).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress     = errors.New("wallet: invalid address")
	ErrInvalidAmount      = errors.New("wallet: invalid amount")
	ErrTxNotFound         = errors.New("wallet: transaction not found")
	ErrTxReverted         = errors.New("wallet: transaction reverted")
	ErrNoMatchingTransfer = errors.New("wallet: no transfer to the agent's deposit address")
	ErrBelowMinimum       = errors.New("wallet: deposit below the minimum")
	ErrDuplicateDeposit   = errors.New("wallet: deposit already claimed")
	ErrNotFound           = errors.New("wallet: record not found")
)

// TokenDecimals is the on-chain precision of the settlement token.
const TokenDecimals = 6

// TransferError wraps payout failures with context
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// DepositStatus tracks a claimed deposit.
type DepositStatus string

const (
	DepositConfirming DepositStatus = "confirming"
	DepositCredited   DepositStatus = "credited"
)

// WithdrawalStatus tracks a payout.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// DepositAddress binds an agent to its HD-derived address.
type DepositAddress struct {
	AgentID   string    `json:"agent_id"`
	Address   string    `json:"address"`
	KeyIndex  uint32    `json:"key_index"`
	CreatedAt time.Time `json:"created_at"`
}

// Deposit is a claimed on-chain transfer awaiting credit.
type Deposit struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	TxHash      string          `json:"tx_hash"`
	Address     string          `json:"address"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"block_number"`
	Status      DepositStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CreditedAt  *time.Time      `json:"credited_at,omitempty"`
}

// Withdrawal is a requested payout.
type Withdrawal struct {
	ID           string           `json:"id"`
	AgentID      string           `json:"agent_id"`
	ToAddress    string           `json:"to_address"`
	Amount       decimal.Decimal  `json:"amount"` // debited from the ledger
	Fee          decimal.Decimal  `json:"fee"`
	Net          decimal.Decimal  `json:"net"` // paid out on chain
	Status       WithdrawalStatus `json:"status"`
	TxHash       string           `json:"tx_hash,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Store persists wallet state.
type Store interface {
	// Deposit addresses. NextKeyIndex returns max assigned index + 1.
	GetAddress(ctx context.Context, agentID string) (*DepositAddress, error)
	GetAddressByAddress(ctx context.Context, address string) (*DepositAddress, error)
	CreateAddress(ctx context.Context, addr *DepositAddress) error
	NextKeyIndex(ctx context.Context) (uint32, error)

	// Deposits. CreateDeposit fails with ErrDuplicateDeposit on a reused
	// tx hash. MarkCredited returns false when another worker already
	// credited the row.
	CreateDeposit(ctx context.Context, dep *Deposit) error
	ListConfirming(ctx context.Context) ([]*Deposit, error)
	ListDeposits(ctx context.Context, agentID string, limit int) ([]*Deposit, error)
	MarkCredited(ctx context.Context, depositID string, at time.Time) (bool, error)

	// Withdrawals. ClaimPending atomically moves one pending row to
	// processing; nil when none are pending.
	CreateWithdrawal(ctx context.Context, wd *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, agentID string, limit int) ([]*Withdrawal, error)
	ClaimPending(ctx context.Context) (*Withdrawal, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, wd *Withdrawal) error
}

// Ledger moves credits for deposits and withdrawals.
type Ledger interface {
	Credit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error
	Debit(ctx context.Context, agentID string, amount decimal.Decimal, entryType, reference, description string) error
}

// toUnits converts ledger credits to raw token units.
func toUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).BigInt()
}

// fromUnits converts raw token units to ledger credits.
func fromUnits(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -TokenDecimals)
}
