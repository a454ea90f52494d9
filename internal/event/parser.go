package event

import (
	fpmath "VaultLedger/internal/math"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RawOperation is the stored document form of a vault operation.
// Quantities are raw on-chain integers encoded as strings; the decimals
// fields say how to scale them. Field names match upstream scrapers.
type RawOperation struct {
	ID              string `json:"id"`
	Topic           string `json:"topic"`
	Address         string `json:"address"`
	BlockNumber     uint64 `json:"blockNumber"`
	LogIndex        uint64 `json:"logIndex"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transactionHash,omitempty"`

	DecimalsToken0   int `json:"decimals_token0"`
	DecimalsToken1   int `json:"decimals_token1"`
	DecimalsContract int `json:"decimals_contract"`

	Sender string `json:"sender,omitempty"`
	To     string `json:"to,omitempty"`
	Src    string `json:"src,omitempty"`
	Dst    string `json:"dst,omitempty"`

	Qty0    string `json:"qty0,omitempty"`
	Qty1    string `json:"qty1,omitempty"`
	Shares  string `json:"shares,omitempty"`
	Qty     string `json:"qty,omitempty"` // transfer value, in shares
	QtyFee0 string `json:"qtyFee0,omitempty"`
	QtyFee1 string `json:"qtyFee1,omitempty"`
}

// UnmarshalRawOperation decodes a JSON operation document.
func UnmarshalRawOperation(data []byte) (RawOperation, error) {
	var raw RawOperation
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawOperation{}, fmt.Errorf("decode operation: %w", err)
	}
	return raw, nil
}

// Parse converts a raw operation document into a typed Operation with all
// quantities normalized to human units.
func Parse(raw RawOperation) (Operation, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("operation at block %d log %d: missing id", raw.BlockNumber, raw.LogIndex)
	}

	h := Header{
		OpID:      raw.ID,
		Vault:     NormalizeAddress(raw.Address),
		Block:     raw.BlockNumber,
		LogIndex:  raw.LogIndex,
		Timestamp: raw.Timestamp,
		TxHash:    raw.TransactionHash,
	}

	switch ParseTopic(raw.Topic) {
	case TopicDeposit:
		return parseDeposit(h, raw)
	case TopicWithdraw:
		return parseWithdraw(h, raw)
	case TopicTransfer:
		return parseTransfer(h, raw)
	case TopicRebalance:
		fees0, fees1, err := parseFees(raw)
		if err != nil {
			return nil, fmt.Errorf("parse rebalance %s: %w", raw.ID, err)
		}
		return &Rebalance{Header: h, Fees0: fees0, Fees1: fees1}, nil
	case TopicZeroBurn:
		fees0, fees1, err := parseFees(raw)
		if err != nil {
			return nil, fmt.Errorf("parse zeroBurn %s: %w", raw.ID, err)
		}
		return &ZeroBurn{Header: h, Fees0: fees0, Fees1: fees1}, nil
	case TopicReport:
		return &Report{Header: h, Decimals0: raw.DecimalsToken0, Decimals1: raw.DecimalsToken1}, nil
	case TopicApproval:
		return &Approval{Header: h}, nil
	case TopicSetFee:
		return &SetFee{Header: h}, nil
	default:
		return nil, fmt.Errorf("operation %s: %w: %q", raw.ID, ErrUnsupportedTopic, raw.Topic)
	}
}

func parseDeposit(h Header, raw RawOperation) (*Deposit, error) {
	qty0, qty1, shares, err := parseTokenQuantities(raw)
	if err != nil {
		return nil, fmt.Errorf("parse deposit %s: %w", raw.ID, err)
	}
	return &Deposit{
		Header: h,
		Sender: NormalizeAddress(raw.Sender),
		To:     NormalizeAddress(raw.To),
		Qty0:   qty0,
		Qty1:   qty1,
		Shares: shares,
	}, nil
}

func parseWithdraw(h Header, raw RawOperation) (*Withdraw, error) {
	qty0, qty1, shares, err := parseTokenQuantities(raw)
	if err != nil {
		return nil, fmt.Errorf("parse withdraw %s: %w", raw.ID, err)
	}
	return &Withdraw{
		Header: h,
		Sender: NormalizeAddress(raw.Sender),
		To:     NormalizeAddress(raw.To),
		Qty0:   qty0,
		Qty1:   qty1,
		Shares: shares,
	}, nil
}

func parseTransfer(h Header, raw RawOperation) (*Transfer, error) {
	shares, err := fpmath.FromRaw(raw.Qty, raw.DecimalsContract)
	if err != nil {
		return nil, fmt.Errorf("parse transfer %s qty: %w", raw.ID, err)
	}
	return &Transfer{
		Header: h,
		Src:    NormalizeAddress(raw.Src),
		Dst:    NormalizeAddress(raw.Dst),
		Shares: shares,
	}, nil
}

func parseTokenQuantities(raw RawOperation) (qty0, qty1, shares decimal.Decimal, err error) {
	if qty0, err = fpmath.FromRaw(raw.Qty0, raw.DecimalsToken0); err != nil {
		return qty0, qty1, shares, fmt.Errorf("qty0: %w", err)
	}
	if qty1, err = fpmath.FromRaw(raw.Qty1, raw.DecimalsToken1); err != nil {
		return qty0, qty1, shares, fmt.Errorf("qty1: %w", err)
	}
	if shares, err = fpmath.FromRaw(raw.Shares, raw.DecimalsContract); err != nil {
		return qty0, qty1, shares, fmt.Errorf("shares: %w", err)
	}
	return qty0, qty1, shares, nil
}

func parseFees(raw RawOperation) (decimal.Decimal, decimal.Decimal, error) {
	fees0, err := fpmath.FromRaw(raw.QtyFee0, raw.DecimalsToken0)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("qtyFee0: %w", err)
	}
	fees1, err := fpmath.FromRaw(raw.QtyFee1, raw.DecimalsToken1)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("qtyFee1: %w", err)
	}
	return fees0, fees1, nil
}
