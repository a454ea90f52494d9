package ledger

import (
	fpmath "VaultLedger/internal/math"

	"github.com/shopspring/decimal"
)

var (
	// ConservationTolerance bounds the relative gap between the sum of
	// ledger shares and the snapshot totalSupply.
	ConservationTolerance = decimal.RequireFromString("0.001")

	// AllocationTolerance bounds the unallocated fraction of a fee
	// collection before it is treated as a bug rather than rounding.
	AllocationTolerance = decimal.RequireFromString("0.0001")
)

// SumShares returns the total shares held across entries.
func SumShares(entries []*AccountStatus) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.SharesQty)
	}
	return total
}

// ConservationReport compares ledger shares against the on-chain supply.
type ConservationReport struct {
	LedgerShares decimal.Decimal
	TotalSupply  decimal.Decimal
	Deviation    decimal.Decimal
	OK           bool
}

// CheckConservation verifies that the latest entries of every account sum to
// totalSupply within ConservationTolerance.
func CheckConservation(entries []*AccountStatus, totalSupply decimal.Decimal) ConservationReport {
	sum := SumShares(entries)
	dev := fpmath.RelativeDeviation(sum, totalSupply)
	return ConservationReport{
		LedgerShares: sum,
		TotalSupply:  totalSupply,
		Deviation:    dev,
		OK:           dev.LessThanOrEqual(ConservationTolerance),
	}
}

// AllocationReport describes how much of a fee collection reached holders.
type AllocationReport struct {
	Applied   decimal.Decimal
	Remainder decimal.Decimal // 1 - Applied
	Exact     bool            // Applied == 1
	Material  bool            // |Remainder| > AllocationTolerance
}

// CheckAllocation classifies the applied share fraction of an allocation.
func CheckAllocation(applied decimal.Decimal) AllocationReport {
	rem := fpmath.One.Sub(applied)
	return AllocationReport{
		Applied:   applied,
		Remainder: rem,
		Exact:     rem.IsZero(),
		Material:  rem.Abs().GreaterThan(AllocationTolerance),
	}
}
