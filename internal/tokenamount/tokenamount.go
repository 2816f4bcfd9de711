// Package tokenamount converts between human-readable token amounts and
// on-chain base units.
//
// Deals carry amounts as decimal strings ("1500.25"); contracts and bridge
// aggregators expect integers in the token's smallest unit.
package tokenamount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the precision of USDC, the settlement token escrow
// contracts are deployed with.
const DefaultDecimals = 6

var ErrInvalidAmount = errors.New("tokenamount: invalid amount")

// ToBaseUnits parses a positive decimal amount and scales it by 10^decimals.
// Digits beyond the token's precision are rejected rather than truncated.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits renders base units as a decimal string with exactly
// decimals fractional digits.
func FromBaseUnits(units *big.Int, decimals int32) string {
	if units == nil {
		units = new(big.Int)
	}
	return decimal.NewFromBigInt(units, -decimals).StringFixed(decimals)
}

// ParseBaseUnits parses an integer base-unit string.
func ParseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q is not a positive integer", ErrInvalidAmount, s)
	}
	return v, nil
}

// Positive reports whether s parses as a decimal greater than zero.
func Positive(s string) bool {
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsPositive()
}
