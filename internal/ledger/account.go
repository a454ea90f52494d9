package ledger

import (
	"VaultLedger/internal/event"

	"github.com/shopspring/decimal"
)

// AccountStatus is one account's cumulative financial position in a vault
// at one (block, logIndex). Every field below the identity and price
// groups is a running balance: entry N is entry N-1 plus one event's delta.
// Entries are append-only and never mutated once persisted.
type AccountStatus struct {
	// --- Identity ---
	Vault        string      `json:"hypervisor_address"`
	Account      string      `json:"account_address"`
	Block        uint64      `json:"block"`
	LogIndex     uint64      `json:"logIndex"`
	Timestamp    int64       `json:"timestamp"`
	Topic        event.Topic `json:"topic"`
	RawOperation string      `json:"raw_operation"`

	// --- Prices at this block ---
	PriceUSD0 decimal.Decimal `json:"usd_price_token0"`
	PriceUSD1 decimal.Decimal `json:"usd_price_token1"`

	// --- Investment (cost basis) ---
	InvestmentQty0     decimal.Decimal `json:"investment_qty_token0"`
	InvestmentQty1     decimal.Decimal `json:"investment_qty_token1"`
	InvestmentUSD      decimal.Decimal `json:"total_investment_qty_in_usd"`
	InvestmentInToken0 decimal.Decimal `json:"total_investment_qty_in_token0"`
	InvestmentInToken1 decimal.Decimal `json:"total_investment_qty_in_token1"`

	// --- Shares ---
	SharesQty     decimal.Decimal `json:"shares_qty"`
	SharesPercent decimal.Decimal `json:"shares_percent"`

	// --- Fees ---
	FeesCollected0           decimal.Decimal `json:"fees_collected_token0"`
	FeesCollected1           decimal.Decimal `json:"fees_collected_token1"`
	FeesCollectedUSD         decimal.Decimal `json:"fees_collected_usd"`
	FeesUncollected0         decimal.Decimal `json:"fees_uncollected_token0"`
	FeesUncollected1         decimal.Decimal `json:"fees_uncollected_token1"`
	FeesUncollectedUSD       decimal.Decimal `json:"fees_uncollected_usd"`
	FeesUncollectedSecPassed int64           `json:"fees_uncollected_secPassed"`
	FeesOwed0                decimal.Decimal `json:"fees_owed_token0"`
	FeesOwed1                decimal.Decimal `json:"fees_owed_token1"`
	FeesOwedUSD              decimal.Decimal `json:"fees_owed_usd"`

	// --- Divestment ---
	DivestmentBaseQty0      decimal.Decimal `json:"divestment_base_qty_token0"`
	DivestmentBaseQty1      decimal.Decimal `json:"divestment_base_qty_token1"`
	DivestmentFeeQty0       decimal.Decimal `json:"divestment_fee_qty_token0"`
	DivestmentFeeQty1       decimal.Decimal `json:"divestment_fee_qty_token1"`
	ClosedInvestmentReturn0 decimal.Decimal `json:"closed_investment_return_token0"`
	ClosedInvestmentReturn1 decimal.Decimal `json:"closed_investment_return_token1"`

	// --- Position ---
	Underlying0        decimal.Decimal `json:"underlying_token0"`
	Underlying1        decimal.Decimal `json:"underlying_token1"`
	UnderlyingUSD      decimal.Decimal `json:"total_underlying_in_usd"`
	UnderlyingInToken0 decimal.Decimal `json:"total_underlying_in_token0"`
	UnderlyingInToken1 decimal.Decimal `json:"total_underlying_in_token1"`
	TVL0               decimal.Decimal `json:"tvl_token0"`
	TVL1               decimal.Decimal `json:"tvl_token1"`

	// --- Results ---
	CurrentResult0    decimal.Decimal `json:"current_result_token0"`
	CurrentResult1    decimal.Decimal `json:"current_result_token1"`
	CurrentResultUSD  decimal.Decimal `json:"current_result_usd"`
	ImpermanentUSD    decimal.Decimal `json:"impermanent_lp_vs_hodl_usd"`
	ImpermanentToken0 decimal.Decimal `json:"impermanent_lp_vs_hodl_token0"`
	ImpermanentToken1 decimal.Decimal `json:"impermanent_lp_vs_hodl_token1"`

	// Cumulative seconds of membership
	SecPassed int64 `json:"secPassed"`
}

// NewAccountStatus returns the zero entry of an account that has never
// appeared in the vault.
func NewAccountStatus(vault, account string) *AccountStatus {
	return &AccountStatus{
		Vault:   vault,
		Account: account,
	}
}

// Position returns the (block, logIndex) of the entry.
func (s *AccountStatus) Position() event.Ref {
	return event.Ref{Block: s.Block, LogIndex: s.LogIndex}
}

// IsNew reports whether this is a never-seen account's zero entry.
func (s *AccountStatus) IsNew() bool {
	return s.Block == 0
}

// HasShares reports whether the account currently holds vault shares.
func (s *AccountStatus) HasShares() bool {
	return s.SharesQty.IsPositive()
}

// Forward copies the entry and stamps it with the identity of a new
// operation. Running balances carry over unchanged.
func (s *AccountStatus) Forward(h event.Header, topic event.Topic) *AccountStatus {
	next := *s
	next.Block = h.Block
	next.LogIndex = h.LogIndex
	next.Timestamp = h.Timestamp
	next.Topic = topic
	next.RawOperation = h.OpID
	return &next
}

// Slice is the proportional part of a position that moves with shares on
// withdrawals and transfers.
type Slice struct {
	InvestmentQty0     decimal.Decimal
	InvestmentQty1     decimal.Decimal
	InvestmentUSD      decimal.Decimal
	InvestmentInToken0 decimal.Decimal
	InvestmentInToken1 decimal.Decimal
	FeesCollected0     decimal.Decimal
	FeesCollected1     decimal.Decimal
	FeesCollectedUSD   decimal.Decimal
}

// Take removes pct (0..1) of the proportional fields and returns them.
func (s *AccountStatus) Take(pct decimal.Decimal) Slice {
	out := Slice{
		InvestmentQty0:     s.InvestmentQty0.Mul(pct),
		InvestmentQty1:     s.InvestmentQty1.Mul(pct),
		InvestmentUSD:      s.InvestmentUSD.Mul(pct),
		InvestmentInToken0: s.InvestmentInToken0.Mul(pct),
		InvestmentInToken1: s.InvestmentInToken1.Mul(pct),
		FeesCollected0:     s.FeesCollected0.Mul(pct),
		FeesCollected1:     s.FeesCollected1.Mul(pct),
		FeesCollectedUSD:   s.FeesCollectedUSD.Mul(pct),
	}

	s.InvestmentQty0 = s.InvestmentQty0.Sub(out.InvestmentQty0)
	s.InvestmentQty1 = s.InvestmentQty1.Sub(out.InvestmentQty1)
	s.InvestmentUSD = s.InvestmentUSD.Sub(out.InvestmentUSD)
	s.InvestmentInToken0 = s.InvestmentInToken0.Sub(out.InvestmentInToken0)
	s.InvestmentInToken1 = s.InvestmentInToken1.Sub(out.InvestmentInToken1)
	s.FeesCollected0 = s.FeesCollected0.Sub(out.FeesCollected0)
	s.FeesCollected1 = s.FeesCollected1.Sub(out.FeesCollected1)
	s.FeesCollectedUSD = s.FeesCollectedUSD.Sub(out.FeesCollectedUSD)

	return out
}

// Give adds a slice taken from another account.
func (s *AccountStatus) Give(in Slice) {
	s.InvestmentQty0 = s.InvestmentQty0.Add(in.InvestmentQty0)
	s.InvestmentQty1 = s.InvestmentQty1.Add(in.InvestmentQty1)
	s.InvestmentUSD = s.InvestmentUSD.Add(in.InvestmentUSD)
	s.InvestmentInToken0 = s.InvestmentInToken0.Add(in.InvestmentInToken0)
	s.InvestmentInToken1 = s.InvestmentInToken1.Add(in.InvestmentInToken1)
	s.FeesCollected0 = s.FeesCollected0.Add(in.FeesCollected0)
	s.FeesCollected1 = s.FeesCollected1.Add(in.FeesCollected1)
	s.FeesCollectedUSD = s.FeesCollectedUSD.Add(in.FeesCollectedUSD)
}
