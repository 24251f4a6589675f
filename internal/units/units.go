// Package units converts between decimal token amounts and their
// smallest on-chain unit.
//
// Amounts on the wire and in deal records are decimal strings ("100",
// "1.50"). Contracts work in base units: for a 6-decimal stablecoin
// "1.50" is 1,500,000.
package units

import (
	"math/big"
	"strings"
)

// StablecoinDecimals is the precision of the settlement token.
const StablecoinDecimals = 6

// Parse converts a decimal string to base units for a token with the
// given precision. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the precision are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if decimals < 0 || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	return result, true
}

// MustParseStable is Parse for the stablecoin, panicking on bad input.
// Only for constants and tests.
func MustParseStable(s string) *big.Int {
	v, ok := Parse(s, StablecoinDecimals)
	if !ok {
		panic("units: invalid amount " + s)
	}
	return v
}

// Format renders base units as a decimal string with exactly `decimals`
// fractional digits (e.g. 1500000, 6 -> "1.500000").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if decimals <= 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Covers reports whether granted is at least required. A nil granted
// amount never covers a positive requirement.
func Covers(granted, required *big.Int) bool {
	if required == nil || required.Sign() <= 0 {
		return true
	}
	if granted == nil {
		return false
	}
	return granted.Cmp(required) >= 0
}
