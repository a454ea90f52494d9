package ledger

import (
	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Market is the vault-wide state an entry's derived fields are computed
// against: the snapshot at the entry's block, the total shares used as the
// denominator, and the USD prices of both tokens.
type Market struct {
	TotalShares      decimal.Decimal
	Total0           decimal.Decimal
	Total1           decimal.Decimal
	FeesUncollected0 decimal.Decimal
	FeesUncollected1 decimal.Decimal
	FeesOwed0        decimal.Decimal
	FeesOwed1        decimal.Decimal
	Price0           decimal.Decimal
	Price1           decimal.Decimal
}

// ApplyDeposit adds minted shares and the deposited tokens to the cost
// basis. Cross-token totals are valued at the current block's prices.
func (s *AccountStatus) ApplyDeposit(qty0, qty1, shares, price0, price1 decimal.Decimal) {
	s.SharesQty = s.SharesQty.Add(shares)
	s.InvestmentQty0 = s.InvestmentQty0.Add(qty0)
	s.InvestmentQty1 = s.InvestmentQty1.Add(qty1)
	s.InvestmentUSD = s.InvestmentUSD.Add(fpmath.USDValue(qty0, qty1, price0, price1))
	s.InvestmentInToken0 = s.InvestmentInToken0.Add(fpmath.CrossValue(qty0, qty1, price0, price1))
	s.InvestmentInToken1 = s.InvestmentInToken1.Add(fpmath.CrossValue(qty1, qty0, price1, price0))
}

// ApplyWithdraw burns shares and removes the same fraction of the cost
// basis and collected fees, accumulating them as divested. qty0/qty1 are
// the tokens actually received. It returns the divested fraction and false
// when the account holds no shares to divest from.
func (s *AccountStatus) ApplyWithdraw(shares, qty0, qty1 decimal.Decimal) (decimal.Decimal, bool) {
	if s.SharesQty.IsZero() {
		return decimal.Zero, false
	}

	pct := fpmath.SafeDiv(shares, s.SharesQty)
	if pct.GreaterThan(fpmath.One) {
		pct = fpmath.One
	}

	removed := s.Take(pct)

	s.SharesQty = fpmath.ClampNonNegative(s.SharesQty.Sub(shares))
	s.DivestmentBaseQty0 = s.DivestmentBaseQty0.Add(removed.InvestmentQty0)
	s.DivestmentBaseQty1 = s.DivestmentBaseQty1.Add(removed.InvestmentQty1)
	s.DivestmentFeeQty0 = s.DivestmentFeeQty0.Add(removed.FeesCollected0)
	s.DivestmentFeeQty1 = s.DivestmentFeeQty1.Add(removed.FeesCollected1)
	s.ClosedInvestmentReturn0 = s.ClosedInvestmentReturn0.Add(qty0.Sub(removed.InvestmentQty0))
	s.ClosedInvestmentReturn1 = s.ClosedInvestmentReturn1.Add(qty1.Sub(removed.InvestmentQty1))

	return pct, true
}

// ApplyTransfer moves shares and their proportional cost basis from src to
// dst. It returns the fraction of src's position that moved; zero when src
// has no shares.
func ApplyTransfer(src, dst *AccountStatus, shares decimal.Decimal) decimal.Decimal {
	pct := fpmath.SafeDiv(shares, src.SharesQty)
	if pct.GreaterThan(fpmath.One) {
		pct = fpmath.One
	}

	dst.Give(src.Take(pct))
	src.SharesQty = fpmath.ClampNonNegative(src.SharesQty.Sub(shares))
	dst.SharesQty = dst.SharesQty.Add(shares)

	return pct
}

// InheritClocks gives an account seen for the first time the larger of
// its own and src's membership clocks.
func (s *AccountStatus) InheritClocks(src *AccountStatus) {
	if src.SecPassed > s.SecPassed {
		s.SecPassed = src.SecPassed
	}
	if src.FeesUncollectedSecPassed > s.FeesUncollectedSecPassed {
		s.FeesUncollectedSecPassed = src.FeesUncollectedSecPassed
	}
}

// ApplyFees credits the account's share of pool fees collected by a
// rebalance or zeroBurn.
func (s *AccountStatus) ApplyFees(fees0, fees1, share, price0, price1 decimal.Decimal) {
	f0 := fees0.Mul(share)
	f1 := fees1.Mul(share)
	s.FeesCollected0 = s.FeesCollected0.Add(f0)
	s.FeesCollected1 = s.FeesCollected1.Add(f1)
	s.FeesCollectedUSD = s.FeesCollectedUSD.Add(fpmath.USDValue(f0, f1, price0, price1))
}

// Recompute refreshes every derived field of s against m. prev is the
// account's previous entry (the zero entry for a new account) and supplies
// the elapsed time.
func (s *AccountStatus) Recompute(prev *AccountStatus, m Market) {
	s.PriceUSD0 = m.Price0
	s.PriceUSD1 = m.Price1

	s.SharesPercent = fpmath.SafeDiv(s.SharesQty, m.TotalShares)

	s.FeesUncollected0 = m.FeesUncollected0.Mul(s.SharesPercent)
	s.FeesUncollected1 = m.FeesUncollected1.Mul(s.SharesPercent)
	s.FeesUncollectedUSD = fpmath.USDValue(s.FeesUncollected0, s.FeesUncollected1, m.Price0, m.Price1)

	s.FeesOwed0 = m.FeesOwed0.Mul(s.SharesPercent)
	s.FeesOwed1 = m.FeesOwed1.Mul(s.SharesPercent)
	s.FeesOwedUSD = fpmath.USDValue(s.FeesOwed0, s.FeesOwed1, m.Price0, m.Price1)

	if !prev.IsNew() {
		elapsed := s.Timestamp - prev.Timestamp
		if elapsed < 0 {
			elapsed = 0
		}
		// Real operations reset the fee-accrual clock; reports only let
		// time pass.
		if s.Topic == event.TopicReport {
			s.FeesUncollectedSecPassed = prev.FeesUncollectedSecPassed + elapsed
		} else {
			s.FeesUncollectedSecPassed = elapsed
		}
		s.SecPassed = prev.SecPassed + elapsed
	}

	s.TVL0 = m.Total0.Mul(s.SharesPercent)
	s.TVL1 = m.Total1.Mul(s.SharesPercent)
	s.Underlying0 = s.TVL0.Add(s.FeesUncollected0)
	s.Underlying1 = s.TVL1.Add(s.FeesUncollected1)
	s.UnderlyingUSD = fpmath.USDValue(s.Underlying0, s.Underlying1, m.Price0, m.Price1)
	s.UnderlyingInToken0 = fpmath.CrossValue(s.Underlying0, s.Underlying1, m.Price0, m.Price1)
	s.UnderlyingInToken1 = fpmath.CrossValue(s.Underlying1, s.Underlying0, m.Price1, m.Price0)

	s.CurrentResult0 = s.Underlying0.Sub(s.InvestmentQty0)
	s.CurrentResult1 = s.Underlying1.Sub(s.InvestmentQty1)
	s.CurrentResultUSD = s.UnderlyingUSD.Sub(s.InvestmentUSD)

	// Hodl: the invested tokens kept outside the pool, valued now.
	s.ImpermanentUSD = s.UnderlyingUSD.Sub(fpmath.USDValue(s.InvestmentQty0, s.InvestmentQty1, m.Price0, m.Price1))
	s.ImpermanentToken0 = s.UnderlyingInToken0.Sub(fpmath.CrossValue(s.InvestmentQty0, s.InvestmentQty1, m.Price0, m.Price1))
	s.ImpermanentToken1 = s.UnderlyingInToken1.Sub(fpmath.CrossValue(s.InvestmentQty1, s.InvestmentQty0, m.Price1, m.Price0))
}
