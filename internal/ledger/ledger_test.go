package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agora/internal/fees"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, fees.DefaultSchedule()), store
}

func fund(t *testing.T, svc *Service, store *MemoryStore, clientBalance string) *Escrow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Credit(ctx, "client", dec(t, clientBalance), EntryDeposit, "tx1", ""))
	esc, err := svc.FundEscrow(ctx, "job_1", "client", "seller", dec(t, "100.00"))
	require.NoError(t, err)
	return esc
}

func TestFundEscrow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	esc := fund(t, svc, store, "150.00")
	assert.Equal(t, EscrowFunded, esc.Status)

	// Client balance drops by the escrowed amount.
	balance, err := svc.Balance(ctx, "client")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(t, "50.00")))

	// Audit trail has created + funded.
	events, err := svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "funded", events[1].Event)
}

func TestFundEscrow_InsufficientBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "client", dec(t, "99.99"), EntryDeposit, "tx1", ""))
	_, err := svc.FundEscrow(ctx, "job_1", "client", "seller", dec(t, "100.00"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Balance untouched.
	balance, err := svc.Balance(ctx, "client")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(t, "99.99")))
}

func TestFundEscrow_DuplicateJob(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	fund(t, svc, store, "300.00")
	_, err := svc.FundEscrow(ctx, "job_1", "client", "seller", dec(t, "100.00"))
	assert.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestReleaseEscrow_FeeSplit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	esc := fund(t, svc, store, "150.00")

	released, err := svc.ReleaseEscrow(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, released.Status)
	require.NotNil(t, released.SettledAt)

	// Base fee on 100.00 at 2.5% = 2.50, split 1.25/1.25.
	sellerBalance, err := svc.Balance(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, sellerBalance.Equal(dec(t, "98.75")), "seller got %s", sellerBalance)

	clientBalance, err := svc.Balance(ctx, "client")
	require.NoError(t, err)
	assert.True(t, clientBalance.Equal(dec(t, "48.75")), "client left with %s", clientBalance)

	platformBalance, err := svc.Balance(ctx, PlatformAccount)
	require.NoError(t, err)
	assert.True(t, platformBalance.Equal(dec(t, "2.50")))

	events, err := svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	last := events[2]
	assert.Equal(t, "released", last.Event)
	assert.Equal(t, "2.5", last.Metadata["fee_total"])
	assert.Equal(t, "1.25", last.Metadata["client_share_collected"])
}

func TestReleaseEscrow_ClientShareAbsorbed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// Client has exactly the escrow amount; nothing left for their fee half.
	esc := fund(t, svc, store, "100.00")

	_, err := svc.ReleaseEscrow(ctx, "job_1")
	require.NoError(t, err)

	// Seller still pays their full share; platform only collects that.
	platformBalance, err := svc.Balance(ctx, PlatformAccount)
	require.NoError(t, err)
	assert.True(t, platformBalance.Equal(dec(t, "1.25")))

	events, err := svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "1.25", last.Metadata["absorbed"])
	assert.Equal(t, "0", last.Metadata["client_share_collected"])
}

func TestReleaseEscrow_NotFunded(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	fund(t, svc, store, "150.00")
	_, err := svc.ReleaseEscrow(ctx, "job_1")
	require.NoError(t, err)

	// Second release is rejected.
	_, err = svc.ReleaseEscrow(ctx, "job_1")
	assert.ErrorIs(t, err, ErrNotFunded)
}

func TestRefundEscrow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	esc := fund(t, svc, store, "150.00")

	refunded, err := svc.RefundEscrow(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, refunded.Status)

	// Full amount back, no fee.
	clientBalance, err := svc.Balance(ctx, "client")
	require.NoError(t, err)
	assert.True(t, clientBalance.Equal(dec(t, "150.00")))

	sellerBalance, err := svc.Balance(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, sellerBalance.IsZero())

	events, err := svc.Events(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", events[len(events)-1].Event)

	// Refund after refund is rejected.
	_, err = svc.RefundEscrow(ctx, "job_1")
	assert.ErrorIs(t, err, ErrNotFunded)
}

func TestChargeFee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "seller", dec(t, "10.00"), EntryDeposit, "tx1", ""))
	require.NoError(t, svc.ChargeFee(ctx, "seller", dec(t, "0.52"), EntryFeeStorage, "job_1"))

	sellerBalance, err := svc.Balance(ctx, "seller")
	require.NoError(t, err)
	assert.True(t, sellerBalance.Equal(dec(t, "9.48")))

	platformBalance, err := svc.Balance(ctx, PlatformAccount)
	require.NoError(t, err)
	assert.True(t, platformBalance.Equal(dec(t, "0.52")))

	// Broke agent cannot be charged.
	err = svc.ChargeFee(ctx, "broke", dec(t, "0.52"), EntryFeeStorage, "job_1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestDebit_InsufficientBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "agent", dec(t, "5.00"), EntryDeposit, "tx1", ""))
	err := svc.Debit(ctx, "agent", dec(t, "5.01"), EntryWithdrawal, "wd_1", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestHistory(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "agent", dec(t, "10.00"), EntryDeposit, "tx1", ""))
	require.NoError(t, svc.Debit(ctx, "agent", dec(t, "3.00"), EntryWithdrawal, "wd_1", ""))

	entries, err := svc.History(ctx, "agent", 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first; debit entries are negative.
	assert.Equal(t, EntryWithdrawal, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(dec(t, "-3.00")))
	assert.Equal(t, EntryDeposit, entries[1].Type)
}
