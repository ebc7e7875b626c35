package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agora/internal/fees"
	"github.com/moltworks/agora/internal/testutil"
)

// Integration tests against a real Postgres. Skipped unless POSTGRES_URL
// is set; the in-memory store covers the same semantics in unit tests,
// this exercises the row locking the memory store cannot.

func TestPostgres_EscrowLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), fees.DefaultSchedule())
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "agt_000000000000000000000c01", decimal.RequireFromString("100"), EntryDeposit, "tx1", "test deposit"))

	esc, err := svc.FundEscrow(ctx, "job_000000000000000000000001", "agt_000000000000000000000c01", "agt_000000000000000000000s01", decimal.RequireFromString("40"))
	require.NoError(t, err)
	assert.Equal(t, EscrowFunded, esc.Status)

	balance, err := svc.Balance(ctx, "agt_000000000000000000000c01")
	require.NoError(t, err)
	assert.Equal(t, "60", balance.String())

	_, err = svc.ReleaseEscrow(ctx, "job_000000000000000000000001")
	require.NoError(t, err)

	sellerBalance, err := svc.Balance(ctx, "agt_000000000000000000000s01")
	require.NoError(t, err)
	assert.Equal(t, "40", sellerBalance.String())
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), fees.DefaultSchedule())
	ctx := context.Background()

	const agentID = "agt_000000000000000000000c02"
	require.NoError(t, svc.Credit(ctx, agentID, decimal.RequireFromString("50"), EntryDeposit, "tx2", "test deposit"))

	// 20 workers race to debit 10 each; only 5 can win.
	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Debit(ctx, agentID, decimal.RequireFromString("10"), EntryWithdrawal, "", "race"); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	wins := 0
	for range succeeded {
		wins++
	}
	assert.Equal(t, 5, wins)

	balance, err := svc.Balance(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "balance: %s", balance)
}
