package event

import "github.com/shopspring/decimal"

// Deposit mints vault shares to To in exchange for token0/token1.
type Deposit struct {
	Header
	Sender string
	To     string
	Qty0   decimal.Decimal
	Qty1   decimal.Decimal
	Shares decimal.Decimal
}

func (d *Deposit) Topic() Topic {
	return TopicDeposit
}
