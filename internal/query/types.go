package query

import (
	"VaultLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// AccountResponse is one account's ledger entry as of a block.
type AccountResponse struct {
	Vault   string                `json:"vault"`
	Account string                `json:"account"`
	AsOf    uint64                `json:"as_of_block"`
	Entry   *ledger.AccountStatus `json:"entry"`
}

// VaultResponse lists every share holder of a vault as of a block.
type VaultResponse struct {
	Vault   string                  `json:"vault"`
	AsOf    uint64                  `json:"as_of_block"`
	Holders []*ledger.AccountStatus `json:"holders"`

	// Derived at query time from the holder entries
	TotalShares           decimal.Decimal `json:"total_shares"`
	TotalInvestmentUSD    decimal.Decimal `json:"total_investment_usd"`
	TotalUnderlyingUSD    decimal.Decimal `json:"total_underlying_usd"`
	TotalFeesCollectedUSD decimal.Decimal `json:"total_fees_collected_usd"`
}

// IntegrityReport compares the ledger's shares against the vault's
// totalSupply at a snapshot block.
type IntegrityReport struct {
	Vault        string          `json:"vault"`
	Block        uint64          `json:"block"`
	LedgerShares decimal.Decimal `json:"ledger_shares"`
	TotalSupply  decimal.Decimal `json:"total_supply"`
	Deviation    decimal.Decimal `json:"deviation"`
	IsHealthy    bool            `json:"is_healthy"`
}
