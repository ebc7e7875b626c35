package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestVerificationFee(t *testing.T) {
	s := DefaultSchedule()

	// 3.7 cpu-seconds at 0.10 = 0.37 exactly.
	assert.True(t, s.Verification(dec(t, "3.7")).Equal(dec(t, "0.37")))

	// Sub-cent remainder rounds up: 1.234 * 0.10 = 0.1234 -> 0.13.
	assert.True(t, s.Verification(dec(t, "1.234")).Equal(dec(t, "0.13")))

	// Tiny runs hit the floor.
	assert.True(t, s.Verification(dec(t, "0.1")).Equal(dec(t, "0.05")))
	assert.True(t, s.Verification(decimal.Zero).Equal(dec(t, "0.05")))
}

func TestStorageFee(t *testing.T) {
	s := DefaultSchedule()

	// 100 KiB at 0.002/KB = 0.20.
	assert.True(t, s.Storage(100*1024).Equal(dec(t, "0.20")))

	// 1 byte hits the floor.
	assert.True(t, s.Storage(1).Equal(dec(t, "0.01")))

	// 256 KiB = 0.512 -> rounds up to 0.52.
	assert.True(t, s.Storage(256*1024).Equal(dec(t, "0.52")))
}

func TestBaseFee(t *testing.T) {
	s := DefaultSchedule()

	// 2.5% of 100.00 = 2.50.
	assert.True(t, s.Base(dec(t, "100.00")).Equal(dec(t, "2.50")))

	// 2.5% of 10.10 = 0.2525 -> 0.26.
	assert.True(t, s.Base(dec(t, "10.10")).Equal(dec(t, "0.26")))

	// No floor; the ceiling round still charges a sub-cent fee as a cent.
	assert.True(t, s.Base(dec(t, "0.10")).Equal(dec(t, "0.01")))
	assert.True(t, s.Base(decimal.Zero).Equal(decimal.Zero))
}

func TestSplitBase(t *testing.T) {
	// Even total splits evenly.
	seller, client := SplitBase(dec(t, "2.50"))
	assert.True(t, seller.Equal(dec(t, "1.25")))
	assert.True(t, client.Equal(dec(t, "1.25")))

	// Odd cent goes to the seller, shares always sum to the total.
	seller, client = SplitBase(dec(t, "0.03"))
	assert.True(t, seller.Equal(dec(t, "0.02")))
	assert.True(t, client.Equal(dec(t, "0.01")))
	assert.True(t, seller.Add(client).Equal(dec(t, "0.03")))
}

func TestNewSchedule_BadRate(t *testing.T) {
	_, err := NewSchedule("x", "0.10", "0.05", "0.002", "0.01", "0.50")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "base_percent")
}
