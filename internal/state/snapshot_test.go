package state_test

import (
	"VaultLedger/internal/state"
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func validRaw() state.RawSnapshot {
	return state.RawSnapshot{
		ID:          "s1",
		Address:     "0xA3ecb6E941e773c6568052A509a04CF455A752ad",
		Block:       100,
		Timestamp:   1700000000,
		Decimals:    intPtr(18),
		TotalSupply: "500000000000000000",
		Token0:      &state.RawToken{Address: "0x1111111111111111111111111111111111111111", Decimals: intPtr(18)},
		Token1:      &state.RawToken{Address: "0x2222222222222222222222222222222222222222", Decimals: intPtr(6)},
		Pool: &state.RawPool{
			Address: "0x3333333333333333333333333333333333333333",
			Slot0:   &state.RawSlot0{SqrtPriceX96: "79228162514264337593543950336", Tick: "0"},
		},
		TotalAmounts:    &state.RawTotalAmounts{Total0: "1000000000000000000", Total1: "2000000"},
		FeesUncollected: &state.RawFeesUncollected{QtyToken0: "10000000000000000", QtyToken1: "20000"},
		TVL:             &state.RawTVL{FeesOwedToken0: "5000000000000000", FeesOwedToken1: "10000"},
	}
}

func TestNormalize(t *testing.T) {
	snap, err := state.Normalize(validRaw())
	require.NoError(t, err)

	assert.Equal(t, state.DexUniswapV3, snap.Dex)
	assert.Equal(t, "0xa3ecb6e941e773c6568052a509a04cf455a752ad", snap.Vault)
	assert.Equal(t, 6, snap.Token1.Decimals)
	assert.True(t, snap.TotalSupply.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, snap.Total0.Equal(decimal.NewFromInt(1)))
	assert.True(t, snap.Total1.Equal(decimal.NewFromInt(2)))
	assert.True(t, snap.FeesUncollected0.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, snap.FeesUncollected1.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, snap.FeesOwed0.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, snap.FeesOwed1.Equal(decimal.RequireFromString("0.01")))
}

func TestNormalize_AlgebraPool(t *testing.T) {
	raw := validRaw()
	raw.Pool.Slot0 = nil
	raw.Pool.GlobalState = &state.RawGlobalState{Price: "79228162514264337593543950336", Tick: "12"}

	snap, err := state.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, state.DexAlgebra, snap.Dex)
}

func TestNormalize_UnsupportedDex(t *testing.T) {
	raw := validRaw()
	raw.Pool.Slot0 = nil

	_, err := state.Normalize(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrUnsupportedDex))
}

func TestNormalize_Malformed(t *testing.T) {
	mutations := map[string]func(*state.RawSnapshot){
		"no token0":        func(r *state.RawSnapshot) { r.Token0 = nil },
		"no token1 dec":    func(r *state.RawSnapshot) { r.Token1.Decimals = nil },
		"no total supply":  func(r *state.RawSnapshot) { r.TotalSupply = "" },
		"no pool":          func(r *state.RawSnapshot) { r.Pool = nil },
		"no totalAmounts":  func(r *state.RawSnapshot) { r.TotalAmounts = nil },
		"no fees":          func(r *state.RawSnapshot) { r.FeesUncollected = nil },
		"no tvl":           func(r *state.RawSnapshot) { r.TVL = nil },
		"bad total0":       func(r *state.RawSnapshot) { r.TotalAmounts.Total0 = "0x12" },
		"no share decimal": func(r *state.RawSnapshot) { r.Decimals = nil },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			raw := validRaw()
			mutate(&raw)
			_, err := state.Normalize(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, state.ErrMalformedSnapshot), "got %v", err)
		})
	}
}

type countingSource struct {
	calls  int
	quotes map[string]state.Quote // token -> latest recorded price
}

func (s *countingSource) GetQuote(_ context.Context, _ string, block uint64, token string) (state.Quote, error) {
	s.calls++
	q, ok := s.quotes[token]
	if !ok || q.Block > block {
		return state.Quote{}, state.ErrPriceNotFound
	}
	return q, nil
}

func TestPriceCache(t *testing.T) {
	src := &countingSource{quotes: map[string]state.Quote{
		"0xt0": {Block: 10, PriceUSD: decimal.NewFromInt(2)},
	}}
	cache := state.NewPriceCache(src, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := cache.GetPriceUSD(ctx, "ethereum", 10, "0xt0")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(2)))
	}
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, cache.Size())

	_, err := cache.GetPriceUSD(ctx, "ethereum", 10, "0xmissing")
	assert.True(t, errors.Is(err, state.ErrPriceNotFound))
	_, _ = cache.GetPriceUSD(ctx, "ethereum", 10, "0xmissing")
	assert.Equal(t, 3, src.calls, "misses must not be cached")
}

func TestPriceCache_FallbackIsNotCached(t *testing.T) {
	src := &countingSource{quotes: map[string]state.Quote{
		"0xt0": {Block: 10, PriceUSD: decimal.NewFromInt(2)},
	}}
	cache := state.NewPriceCache(src, 0)
	ctx := context.Background()

	p, err := cache.GetPriceUSD(ctx, "ethereum", 20, "0xt0")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(2)))
	assert.Zero(t, cache.Size())

	// An exact price for block 20 arrives later.
	src.quotes["0xt0"] = state.Quote{Block: 20, PriceUSD: decimal.NewFromInt(3)}

	p, err = cache.GetPriceUSD(ctx, "ethereum", 20, "0xt0")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 1, cache.Size())
}

func TestPriceCache_Bounded(t *testing.T) {
	src := &countingSource{quotes: map[string]state.Quote{}}
	cache := state.NewPriceCache(src, 2)
	ctx := context.Background()

	for _, token := range []string{"0xa", "0xb", "0xc"} {
		src.quotes[token] = state.Quote{Block: 10, PriceUSD: decimal.NewFromInt(1)}
		_, err := cache.GetPriceUSD(ctx, "ethereum", 10, token)
		require.NoError(t, err)
		assert.LessOrEqual(t, cache.Size(), 2)
	}
}
