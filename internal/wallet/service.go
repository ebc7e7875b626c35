package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/moltworks/agora/internal/fees"
	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/ledger"
	"github.com/moltworks/agora/internal/metrics"
	"github.com/moltworks/agora/internal/retry"
)

// Worker timing.
const (
	DefaultPollInterval = 4 * time.Second
	payoutIdleSleep     = 2 * time.Second
	// StaleProcessingAge is how long a processing withdrawal may sit
	// before startup recovery re-inspects it.
	StaleProcessingAge = 10 * time.Minute
)

// Config for the wallet service.
type Config struct {
	TokenContract         string
	RequiredConfirmations uint64
	DepositMinimum        decimal.Decimal
	PollInterval          time.Duration
}

// Service manages deposit addresses, deposit crediting and payouts.
type Service struct {
	store    Store
	ldg      Ledger
	client   EthClient
	deriver  *HDDeriver
	hot      *HotWallet
	schedule fees.Schedule
	cfg      Config
	logger   *slog.Logger

	token common.Address

	stop chan struct{}
	done chan struct{}
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a wallet service. deriver and hot may be nil in dev
// mode; address creation and payouts then fail cleanly.
func NewService(store Store, ldg Ledger, client EthClient, deriver *HDDeriver, hot *HotWallet,
	schedule fees.Schedule, cfg Config, opts ...Option) *Service {
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 12
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	s := &Service{
		store:    store,
		ldg:      ldg,
		client:   client,
		deriver:  deriver,
		hot:      hot,
		schedule: schedule,
		cfg:      cfg,
		logger:   slog.Default(),
		token:    common.HexToAddress(cfg.TokenContract),
		stop:     make(chan struct{}),
		done:     make(chan struct{}, 2),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DepositAddress returns the agent's deposit address, deriving and
// persisting one on first use.
func (s *Service) DepositAddress(ctx context.Context, agentID string) (*DepositAddress, error) {
	addr, err := s.store.GetAddress(ctx, agentID)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if s.deriver == nil {
		return nil, fmt.Errorf("deposit addresses are not configured")
	}

	index, err := s.store.NextKeyIndex(ctx)
	if err != nil {
		return nil, err
	}
	derived, err := s.deriver.AddressAt(index)
	if err != nil {
		return nil, err
	}
	addr = &DepositAddress{
		AgentID:   agentID,
		Address:   derived.Hex(),
		KeyIndex:  index,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAddress(ctx, addr); err != nil {
		// A concurrent request may have won; the stored row is canonical.
		if existing, getErr := s.store.GetAddress(ctx, agentID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	s.logger.Info("deposit address assigned", "agent_id", agentID, "address", addr.Address, "key_index", index)
	return addr, nil
}

// ClaimDeposit records an on-chain transfer to the agent's deposit
// address. The credit lands once the confirmation watcher sees enough
// blocks on top.
func (s *Service) ClaimDeposit(ctx context.Context, agentID, txHash string) (*Deposit, error) {
	addr, err := s.store.GetAddress(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent has no deposit address: %w", err)
	}

	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, ErrTxNotFound
	}
	if receipt.Status == 0 {
		return nil, ErrTxReverted
	}

	// Sum all matching Transfer logs in the tx; a batched send may split
	// the amount across several.
	depositAddr := common.HexToAddress(addr.Address)
	amount := decimal.Zero
	for _, vLog := range receipt.Logs {
		if vLog.Address != s.token || len(vLog.Topics) != 3 || vLog.Topics[0] != transferEventSig {
			continue
		}
		to := common.BytesToAddress(vLog.Topics[2].Bytes())
		if to != depositAddr {
			continue
		}
		amount = amount.Add(fromUnits(new(big.Int).SetBytes(vLog.Data)))
	}
	if amount.IsZero() {
		return nil, ErrNoMatchingTransfer
	}
	if amount.LessThan(s.cfg.DepositMinimum) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, s.cfg.DepositMinimum)
	}

	dep := &Deposit{
		ID:          idgen.WithPrefix("dep_"),
		AgentID:     agentID,
		TxHash:      txHash,
		Address:     addr.Address,
		Amount:      amount,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      DepositConfirming,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateDeposit(ctx, dep); err != nil {
		return nil, err
	}

	s.logger.Info("deposit claimed",
		"agent_id", agentID, "tx", txHash, "amount", amount, "block", dep.BlockNumber)
	return dep, nil
}

// Deposits lists an agent's deposits, newest first.
func (s *Service) Deposits(ctx context.Context, agentID string, limit int) ([]*Deposit, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListDeposits(ctx, agentID, limit)
}

// Withdraw debits the ledger and queues a payout. The flat fee comes out
// of the requested amount.
func (s *Service) Withdraw(ctx context.Context, agentID, toAddress, amountStr string) (*Withdrawal, error) {
	if !common.IsHexAddress(toAddress) {
		return nil, ErrInvalidAddress
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	amount = amount.Round(2)
	fee := s.schedule.Withdrawal()
	if amount.LessThanOrEqual(fee) {
		return nil, fmt.Errorf("%w: amount must exceed the %s fee", ErrInvalidAmount, fee)
	}

	wd := &Withdrawal{
		ID:        idgen.WithPrefix("wd_"),
		AgentID:   agentID,
		ToAddress: common.HexToAddress(toAddress).Hex(),
		Amount:    amount,
		Fee:       fee,
		Net:       amount.Sub(fee),
		Status:    WithdrawalPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	// Debit up front so the balance cannot be spent twice while the
	// payout is in flight. The platform fee is earned only when the payout
	// lands on chain; a failed payout refunds the full amount.
	if err := s.ldg.Debit(ctx, agentID, amount, ledger.EntryWithdrawal, wd.ID, "withdrawal to "+wd.ToAddress); err != nil {
		return nil, err
	}
	if err := s.store.CreateWithdrawal(ctx, wd); err != nil {
		// The debit already happened; put the money back.
		if refundErr := s.ldg.Credit(ctx, agentID, amount, ledger.EntryWithdrawalRefund, wd.ID, "withdrawal rollback"); refundErr != nil {
			s.logger.Error("CRITICAL: withdrawal rollback failed", "withdrawal_id", wd.ID, "error", refundErr)
		}
		return nil, err
	}

	s.logger.Info("withdrawal queued", "withdrawal_id", wd.ID, "agent_id", agentID, "net", wd.Net)
	return wd, nil
}

// Withdrawals lists an agent's withdrawals, newest first.
func (s *Service) Withdrawals(ctx context.Context, agentID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListWithdrawals(ctx, agentID, limit)
}

// Start launches the confirmation watcher and the payout worker.
func (s *Service) Start(ctx context.Context) {
	go s.confirmLoop(ctx)
	go s.payoutLoop(ctx)
}

// Stop signals both workers and waits for them to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
	<-s.done
}

func (s *Service) confirmLoop(ctx context.Context) {
	defer func() { s.done <- struct{}{} }()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.creditConfirmed(ctx); err != nil {
				s.logger.Error("confirmation sweep failed", "error", err)
			}
		}
	}
}

// creditConfirmed credits every confirming deposit that has enough
// blocks on top of it.
func (s *Service) creditConfirmed(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	pending, err := s.store.ListConfirming(ctx)
	if err != nil {
		return err
	}

	for _, dep := range pending {
		confirmations := uint64(0)
		if head >= dep.BlockNumber {
			confirmations = head - dep.BlockNumber + 1
		}
		if confirmations < s.cfg.RequiredConfirmations {
			continue
		}

		claimed, err := s.creditDeposit(ctx, dep)
		if err != nil {
			s.logger.Error("deposit credit failed", "deposit_id", dep.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		metrics.DepositsTotal.Inc()
		s.logger.Info("deposit credited",
			"deposit_id", dep.ID, "agent_id", dep.AgentID, "amount", dep.Amount, "confirmations", confirmations)
	}
	return nil
}

// atomicDepositStore claims a deposit row and runs the ledger credit in
// the same database transaction.
type atomicDepositStore interface {
	CreditDeposit(ctx context.Context, depositID string, at time.Time, credit func(tx *sql.Tx) error) (bool, error)
}

// txLedger posts a credit inside a caller-owned transaction.
type txLedger interface {
	CreditTx(ctx context.Context, tx *sql.Tx, agentID string, amount decimal.Decimal, entryType, reference, description string) error
}

// creditDeposit marks one confirmed deposit credited and posts the ledger
// credit. When both the store and the ledger share a database the two
// writes commit in a single transaction; a crash can then never leave a
// deposit marked credited without the balance.
func (s *Service) creditDeposit(ctx context.Context, dep *Deposit) (bool, error) {
	store, storeOK := s.store.(atomicDepositStore)
	ldg, ldgOK := s.ldg.(txLedger)
	if storeOK && ldgOK {
		return store.CreditDeposit(ctx, dep.ID, time.Now().UTC(), func(tx *sql.Tx) error {
			return ldg.CreditTx(ctx, tx, dep.AgentID, dep.Amount, ledger.EntryDeposit, dep.TxHash, "on-chain deposit")
		})
	}

	// Memory stores have no shared transaction; claim the row first so two
	// instances cannot both credit.
	claimed, err := s.store.MarkCredited(ctx, dep.ID, time.Now().UTC())
	if err != nil || !claimed {
		return false, err
	}
	if err := s.ldg.Credit(ctx, dep.AgentID, dep.Amount, ledger.EntryDeposit, dep.TxHash, "on-chain deposit"); err != nil {
		return false, fmt.Errorf("deposit marked credited but ledger credit failed: %w", err)
	}
	return true, nil
}

func (s *Service) payoutLoop(ctx context.Context) {
	defer func() { s.done <- struct{}{} }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		wd, err := s.store.ClaimPending(ctx)
		if err != nil {
			s.logger.Error("payout claim failed", "error", err)
			s.sleep(ctx, payoutIdleSleep)
			continue
		}
		if wd == nil {
			s.sleep(ctx, payoutIdleSleep)
			continue
		}
		s.payout(ctx, wd)
	}
}

// payout broadcasts one withdrawal, retrying transient RPC failures.
func (s *Service) payout(ctx context.Context, wd *Withdrawal) {
	if s.hot == nil {
		s.fail(ctx, wd, "payouts are not configured")
		return
	}

	var txHash string
	err := retry.Do(ctx, 3, time.Second, func() error {
		var err error
		txHash, err = s.hot.Transfer(ctx, common.HexToAddress(wd.ToAddress), toUnits(wd.Net))
		// A failed broadcast may still have landed; retrying could pay
		// twice. Recovery settles it instead.
		var te *TransferError
		if errors.As(err, &te) && te.Op == "send" {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		var te *TransferError
		if errors.As(err, &te) && te.Op == "send" && te.TxHash != "" {
			// Ambiguous broadcast. Park the row with the hash so startup
			// recovery can settle it against the chain.
			wd.TxHash = te.TxHash
			wd.UpdatedAt = time.Now().UTC()
			if updErr := s.store.UpdateWithdrawal(ctx, wd); updErr != nil {
				s.logger.Error("CRITICAL: ambiguous payout not recorded", "withdrawal_id", wd.ID, "error", updErr)
			}
			s.logger.Warn("payout broadcast ambiguous, left for recovery", "withdrawal_id", wd.ID, "tx", te.TxHash)
			return
		}
		s.fail(ctx, wd, err.Error())
		return
	}

	wd.Status = WithdrawalCompleted
	wd.TxHash = txHash
	wd.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWithdrawal(ctx, wd); err != nil {
		s.logger.Error("CRITICAL: payout sent but status update failed",
			"withdrawal_id", wd.ID, "tx", txHash, "error", err)
		return
	}
	s.creditPlatformFee(ctx, wd)
	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("withdrawal paid", "withdrawal_id", wd.ID, "tx", txHash, "net", wd.Net)
}

// creditPlatformFee books the flat fee on a completed payout.
func (s *Service) creditPlatformFee(ctx context.Context, wd *Withdrawal) {
	if err := s.ldg.Credit(ctx, ledger.PlatformAccount, wd.Fee, ledger.EntryFeeWithdrawal, wd.ID, ""); err != nil {
		s.logger.Error("CRITICAL: withdrawal fee credit failed", "withdrawal_id", wd.ID, "error", err)
	}
}

// fail marks a withdrawal failed and refunds the debit.
func (s *Service) fail(ctx context.Context, wd *Withdrawal, reason string) {
	wd.Status = WithdrawalFailed
	wd.ErrorMessage = reason
	wd.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWithdrawal(ctx, wd); err != nil {
		s.logger.Error("CRITICAL: withdrawal failure not recorded", "withdrawal_id", wd.ID, "error", err)
		return
	}
	if err := s.ldg.Credit(ctx, wd.AgentID, wd.Amount, ledger.EntryWithdrawalRefund, wd.ID, "failed withdrawal"); err != nil {
		s.logger.Error("CRITICAL: withdrawal refund failed",
			"withdrawal_id", wd.ID, "agent_id", wd.AgentID, "amount", wd.Amount, "error", err)
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("withdrawal failed and refunded", "withdrawal_id", wd.ID, "reason", reason)
}

// RecoverStale re-inspects processing withdrawals left behind by a
// crash. Run once at startup before the payout worker.
func (s *Service) RecoverStale(ctx context.Context) error {
	stale, err := s.store.ListStaleProcessing(ctx, time.Now().Add(-StaleProcessingAge))
	if err != nil {
		return err
	}
	for _, wd := range stale {
		if wd.TxHash == "" {
			// Never broadcast; safe to refund.
			s.fail(ctx, wd, "interrupted before broadcast")
			continue
		}
		receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(wd.TxHash))
		if err != nil || receipt.Status == 0 {
			s.fail(ctx, wd, "broadcast tx not found on chain")
			continue
		}
		wd.Status = WithdrawalCompleted
		wd.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateWithdrawal(ctx, wd); err != nil {
			s.logger.Error("recovery update failed", "withdrawal_id", wd.ID, "error", err)
			continue
		}
		s.creditPlatformFee(ctx, wd)
		s.logger.Info("stale withdrawal recovered as completed", "withdrawal_id", wd.ID, "tx", wd.TxHash)
	}
	return nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.stop:
	case <-timer.C:
	}
}
