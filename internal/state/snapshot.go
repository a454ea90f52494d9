package state

import (
	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedSnapshot is returned when a required nested field is
	// missing or cannot be parsed.
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrUnsupportedDex is returned when the pool sub-structure matches
	// no known DEX shape.
	ErrUnsupportedDex = errors.New("unsupported dex")

	// ErrSnapshotNotFound is returned by stores with no snapshot at the
	// requested block.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Dex identifies the pool implementation behind a vault.
type Dex int32

const (
	DexUnknown Dex = iota
	DexUniswapV3
	DexAlgebra
)

func (d Dex) String() string {
	switch d {
	case DexUniswapV3:
		return "uniswapv3"
	case DexAlgebra:
		return "algebra"
	default:
		return "unknown"
	}
}

// --- Raw document form ---
// Integers are string-encoded raw on-chain values. Pointers distinguish
// an absent sub-document from a zero one.

type RawToken struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals *int   `json:"decimals"`
}

type RawSlot0 struct {
	SqrtPriceX96 string `json:"sqrtPriceX96"`
	Tick         string `json:"tick"`
}

type RawGlobalState struct {
	Price string `json:"price"`
	Tick  string `json:"tick"`
}

type RawPool struct {
	Address     string          `json:"address"`
	Slot0       *RawSlot0       `json:"slot0,omitempty"`
	GlobalState *RawGlobalState `json:"globalState,omitempty"`
}

type RawTotalAmounts struct {
	Total0 string `json:"total0"`
	Total1 string `json:"total1"`
}

type RawFeesUncollected struct {
	QtyToken0 string `json:"qty_token0"`
	QtyToken1 string `json:"qty_token1"`
}

type RawTVL struct {
	FeesOwedToken0 string `json:"fees_owed_token0"`
	FeesOwedToken1 string `json:"fees_owed_token1"`
}

// RawSnapshot is the stored status document of a vault at one block.
type RawSnapshot struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Block       uint64 `json:"block"`
	Timestamp   int64  `json:"timestamp"`
	Decimals    *int   `json:"decimals"`
	TotalSupply string `json:"totalSupply"`

	Token0          *RawToken           `json:"token0"`
	Token1          *RawToken           `json:"token1"`
	Pool            *RawPool            `json:"pool"`
	TotalAmounts    *RawTotalAmounts    `json:"totalAmounts"`
	FeesUncollected *RawFeesUncollected `json:"fees_uncollected"`
	TVL             *RawTVL             `json:"tvl"`
}

// --- Normalized form ---

type Token struct {
	Address  string
	Decimals int
}

// Snapshot is a vault status with every quantity in human units.
type Snapshot struct {
	Vault     string
	Block     uint64
	Timestamp int64
	Dex       Dex
	Decimals  int // share token decimals

	Token0 Token
	Token1 Token

	TotalSupply      decimal.Decimal
	Total0           decimal.Decimal
	Total1           decimal.Decimal
	FeesUncollected0 decimal.Decimal
	FeesUncollected1 decimal.Decimal
	FeesOwed0        decimal.Decimal
	FeesOwed1        decimal.Decimal
}

// Normalize scales a raw snapshot into human units.
func Normalize(raw RawSnapshot) (*Snapshot, error) {
	switch {
	case raw.Token0 == nil || raw.Token0.Decimals == nil:
		return nil, malformed(raw, "token0.decimals")
	case raw.Token1 == nil || raw.Token1.Decimals == nil:
		return nil, malformed(raw, "token1.decimals")
	case raw.Decimals == nil:
		return nil, malformed(raw, "decimals")
	case raw.TotalSupply == "":
		return nil, malformed(raw, "totalSupply")
	case raw.Pool == nil:
		return nil, malformed(raw, "pool")
	case raw.TotalAmounts == nil:
		return nil, malformed(raw, "totalAmounts")
	case raw.FeesUncollected == nil:
		return nil, malformed(raw, "fees_uncollected")
	case raw.TVL == nil:
		return nil, malformed(raw, "tvl")
	}

	var dex Dex
	switch {
	case raw.Pool.Slot0 != nil:
		dex = DexUniswapV3
	case raw.Pool.GlobalState != nil:
		dex = DexAlgebra
	default:
		return nil, fmt.Errorf("snapshot %s block %d: %w", raw.Address, raw.Block, ErrUnsupportedDex)
	}

	dec0, dec1 := *raw.Token0.Decimals, *raw.Token1.Decimals

	snap := &Snapshot{
		Vault:     event.NormalizeAddress(raw.Address),
		Block:     raw.Block,
		Timestamp: raw.Timestamp,
		Dex:       dex,
		Decimals:  *raw.Decimals,
		Token0:    Token{Address: event.NormalizeAddress(raw.Token0.Address), Decimals: dec0},
		Token1:    Token{Address: event.NormalizeAddress(raw.Token1.Address), Decimals: dec1},
	}

	fields := []struct {
		name     string
		raw      string
		decimals int
		dst      *decimal.Decimal
	}{
		{"totalSupply", raw.TotalSupply, *raw.Decimals, &snap.TotalSupply},
		{"totalAmounts.total0", raw.TotalAmounts.Total0, dec0, &snap.Total0},
		{"totalAmounts.total1", raw.TotalAmounts.Total1, dec1, &snap.Total1},
		{"fees_uncollected.qty_token0", raw.FeesUncollected.QtyToken0, dec0, &snap.FeesUncollected0},
		{"fees_uncollected.qty_token1", raw.FeesUncollected.QtyToken1, dec1, &snap.FeesUncollected1},
		{"tvl.fees_owed_token0", raw.TVL.FeesOwedToken0, dec0, &snap.FeesOwed0},
		{"tvl.fees_owed_token1", raw.TVL.FeesOwedToken1, dec1, &snap.FeesOwed1},
	}
	for _, f := range fields {
		v, err := fpmath.FromRaw(f.raw, f.decimals)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s block %d: %w: %s: %v", raw.Address, raw.Block, ErrMalformedSnapshot, f.name, err)
		}
		*f.dst = v
	}

	return snap, nil
}

func malformed(raw RawSnapshot, field string) error {
	return fmt.Errorf("snapshot %s block %d: %w: missing %s", raw.Address, raw.Block, ErrMalformedSnapshot, field)
}
