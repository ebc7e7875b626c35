// Package fees computes platform fees in fixed-point credits.
//
// All amounts round UP to the cent so the platform never undercharges by a
// sub-cent remainder. Verification and storage fees carry a minimum floor;
// the base fee is a straight percentage.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Schedule holds the platform fee rates. Zero value is unusable; build one
// with NewSchedule or DefaultSchedule.
type Schedule struct {
	BasePercent     decimal.Decimal `json:"base_percent"`
	PerCPUSecond    decimal.Decimal `json:"per_cpu_second"`
	VerificationMin decimal.Decimal `json:"verification_min"`
	PerKBStored     decimal.Decimal `json:"per_kb_stored"`
	StorageMin      decimal.Decimal `json:"storage_min"`
	WithdrawalFlat  decimal.Decimal `json:"withdrawal_flat"`
}

// NewSchedule parses a schedule from decimal strings.
func NewSchedule(basePercent, perCPUSecond, verificationMin, perKB, storageMin, withdrawalFlat string) (Schedule, error) {
	var s Schedule
	var err error
	parse := func(name, v string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var d decimal.Decimal
		if d, err = decimal.NewFromString(v); err != nil {
			err = fmt.Errorf("fee rate %s: %w", name, err)
		}
		return d
	}

	s.BasePercent = parse("base_percent", basePercent)
	s.PerCPUSecond = parse("per_cpu_second", perCPUSecond)
	s.VerificationMin = parse("verification_min", verificationMin)
	s.PerKBStored = parse("per_kb_stored", perKB)
	s.StorageMin = parse("storage_min", storageMin)
	s.WithdrawalFlat = parse("withdrawal_flat", withdrawalFlat)
	return s, err
}

// DefaultSchedule returns the standard platform rates.
func DefaultSchedule() Schedule {
	s, err := NewSchedule("0.025", "0.10", "0.05", "0.002", "0.01", "0.50")
	if err != nil {
		panic(err)
	}
	return s
}

// Verification returns the fee for a sandbox run that consumed the given
// CPU seconds.
func (s Schedule) Verification(cpuSeconds decimal.Decimal) decimal.Decimal {
	fee := s.PerCPUSecond.Mul(cpuSeconds).RoundCeil(2)
	if fee.LessThan(s.VerificationMin) {
		return s.VerificationMin
	}
	return fee
}

// Storage returns the fee for persisting a deliverable of the given size.
func (s Schedule) Storage(sizeBytes int64) decimal.Decimal {
	kb := decimal.NewFromInt(sizeBytes).Div(decimal.NewFromInt(1024))
	fee := s.PerKBStored.Mul(kb).RoundCeil(2)
	if fee.LessThan(s.StorageMin) {
		return s.StorageMin
	}
	return fee
}

// Base returns the platform fee on an agreed job price. No floor: the
// ceiling round already lifts any positive fee to at least a cent.
func (s Schedule) Base(price decimal.Decimal) decimal.Decimal {
	return s.BasePercent.Mul(price).RoundCeil(2)
}

// SplitBase divides the base fee between seller and client. The seller's
// half is rounded half-up; the client carries the remainder so the two
// shares always sum to the total.
func SplitBase(total decimal.Decimal) (sellerShare, clientShare decimal.Decimal) {
	sellerShare = total.Div(decimal.NewFromInt(2)).Round(2)
	clientShare = total.Sub(sellerShare)
	return sellerShare, clientShare
}

// Withdrawal returns the flat payout fee.
func (s Schedule) Withdrawal() decimal.Decimal {
	return s.WithdrawalFlat
}
