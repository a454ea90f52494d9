package event

import "github.com/shopspring/decimal"

// Withdraw burns Sender's shares and returns token0/token1 to To.
type Withdraw struct {
	Header
	Sender string
	To     string
	Qty0   decimal.Decimal
	Qty1   decimal.Decimal
	Shares decimal.Decimal
}

func (w *Withdraw) Topic() Topic {
	return TopicWithdraw
}

// Transfer moves vault shares between two accounts. Mint and burn legs
// of deposits and withdrawals are also emitted as transfers.
type Transfer struct {
	Header
	Src    string
	Dst    string
	Shares decimal.Decimal
}

func (t *Transfer) Topic() Topic {
	return TopicTransfer
}
