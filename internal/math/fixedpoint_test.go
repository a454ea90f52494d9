package math_test

import (
	fpmath "VaultLedger/internal/math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFromRaw(t *testing.T) {
	tests := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"2000000", 6, "2"},
		{"100000000000000000", 18, "0.1"},
		{"123", 0, "123"},
		{"", 18, "0"},
		{"1", 18, "0.000000000000000001"},
	}

	for _, tt := range tests {
		got, err := fpmath.FromRaw(tt.raw, tt.decimals)
		require.NoError(t, err, tt.raw)
		assert.True(t, got.Equal(d(tt.want)), "FromRaw(%s, %d) = %s, want %s", tt.raw, tt.decimals, got, tt.want)
	}
}

func TestFromRaw_Invalid(t *testing.T) {
	_, err := fpmath.FromRaw("12abc", 6)
	assert.Error(t, err)

	_, err = fpmath.FromRaw("1", -1)
	assert.Error(t, err)
}

func TestSafeDiv(t *testing.T) {
	assert.True(t, fpmath.SafeDiv(d("1"), decimal.Zero).IsZero())
	assert.True(t, fpmath.SafeDiv(d("0.25"), d("0.5")).Equal(d("0.5")))

	third := fpmath.SafeDiv(d("1"), d("3"))
	assert.Equal(t, int32(-fpmath.DivisionPrecision), third.Exponent())
}

func TestCrossValue(t *testing.T) {
	// 1 token0 + 2 token1 where token1 is worth twice token0.
	got := fpmath.CrossValue(d("1"), d("2"), d("1"), d("2"))
	assert.True(t, got.Equal(d("5")), "got %s", got)

	// Missing price for token A yields only the token A quantity.
	got = fpmath.CrossValue(d("1"), d("2"), decimal.Zero, d("2"))
	assert.True(t, got.Equal(d("1")), "got %s", got)
}

func TestWithinTolerance(t *testing.T) {
	tol := d("0.001")
	assert.True(t, fpmath.WithinTolerance(d("1000.5"), d("1000"), tol))
	assert.False(t, fpmath.WithinTolerance(d("1002"), d("1000"), tol))
	assert.True(t, fpmath.WithinTolerance(decimal.Zero, decimal.Zero, tol))
	assert.False(t, fpmath.WithinTolerance(d("1"), decimal.Zero, tol))
}
