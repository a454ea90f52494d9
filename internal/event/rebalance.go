package event

import "github.com/shopspring/decimal"

// FeeCollection is implemented by operations that collect pool fees on
// behalf of every shareholder.
type FeeCollection interface {
	Operation
	CollectedFees() (token0, token1 decimal.Decimal)
}

// Rebalance moves the vault's liquidity to new ticks, collecting fees.
type Rebalance struct {
	Header
	Fees0 decimal.Decimal
	Fees1 decimal.Decimal
}

func (r *Rebalance) Topic() Topic {
	return TopicRebalance
}

func (r *Rebalance) CollectedFees() (decimal.Decimal, decimal.Decimal) {
	return r.Fees0, r.Fees1
}

// ZeroBurn collects fees without moving liquidity.
type ZeroBurn struct {
	Header
	Fees0 decimal.Decimal
	Fees1 decimal.Decimal
}

func (z *ZeroBurn) Topic() Topic {
	return TopicZeroBurn
}

func (z *ZeroBurn) CollectedFees() (decimal.Decimal, decimal.Decimal) {
	return z.Fees0, z.Fees1
}

// Report is a synthetic operation placed at a snapshot block with no real
// operation, so that every holder gets an entry at that block.
type Report struct {
	Header
	Decimals0 int
	Decimals1 int
}

func (r *Report) Topic() Topic {
	return TopicReport
}

// Approval is an ERC-20 approval. It does not touch the ledger.
type Approval struct {
	Header
}

func (a *Approval) Topic() Topic {
	return TopicApproval
}

// SetFee changes the vault fee. It does not touch the ledger.
type SetFee struct {
	Header
}

func (s *SetFee) Topic() Topic {
	return TopicSetFee
}
