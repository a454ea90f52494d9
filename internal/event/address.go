package event

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	zeroAddress = common.Address{}
	burnAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

// NormalizeAddress returns the lowercase 0x-prefixed form of an address.
// Strings that are not hex addresses are only lowercased.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return strings.ToLower(s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex())
}

// IsZeroAddress reports whether s is the zero (mint) or dead (burn) address.
// An empty string counts as zero.
func IsZeroAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if !common.IsHexAddress(s) {
		return false
	}
	a := common.HexToAddress(s)
	return a == zeroAddress || a == burnAddress
}
