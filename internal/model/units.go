package model

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// WadDecimals is the fixed-point scale of every USD figure and ratio.
const WadDecimals = 18

var (
	// Wad is 1.0 in fixed point.
	Wad = uint256.NewInt(1_000_000_000_000_000_000)

	ErrInvalidNumber   = errors.New("model: invalid number")
	ErrNegativeNumber  = errors.New("model: number must not be negative")
	ErrTooPrecise      = errors.New("model: too many decimal places")
	ErrNumberOverflows = errors.New("model: number overflows 256 bits")
)

// Pow10 returns 10^n as a uint256.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// ToWad converts a non-negative decimal to wad fixed point, truncating
// anything below 1e-18.
func ToWad(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeNumber
	}
	if d.IsZero() {
		return new(uint256.Int), nil
	}
	switch n := intDigits(d, WadDecimals); {
	case n > maxUint256Digits:
		return nil, ErrNumberOverflows
	case n <= 0:
		return new(uint256.Int), nil
	}
	scaled := d.Shift(WadDecimals).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrNumberOverflows
	}
	return v, nil
}

// FromWad renders a wad value as an exact decimal.
func FromWad(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -WadDecimals)
}

// ParseUnits converts a human amount such as "1.5" into the smallest unit of
// an asset with the given decimals. Amounts with more precision than the
// asset supports are rejected rather than rounded.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeNumber, s)
	}
	if d.IsZero() {
		return new(uint256.Int), nil
	}
	switch n := intDigits(d, int32(decimals)); {
	case n > maxUint256Digits:
		return nil, fmt.Errorf("%w: %s", ErrNumberOverflows, s)
	case n <= 0:
		return nil, fmt.Errorf("%w: %s (max %d)", ErrTooPrecise, s, decimals)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s (max %d)", ErrTooPrecise, s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrNumberOverflows
	}
	return v, nil
}

// maxUint256Digits is the number of decimal digits in 2^256-1.
const maxUint256Digits = 78

// intDigits is the number of integer digits of a nonzero d shifted left by
// shift places; zero or less means the result is below one. It reads only the
// coefficient length and exponent, so out-of-range inputs such as "1e100000000"
// are rejected before any power of ten is built.
func intDigits(d decimal.Decimal, shift int32) int64 {
	return int64(d.NumDigits()) + int64(d.Exponent()) + int64(shift)
}

// FormatUnits renders a smallest-unit amount in whole units.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// FormatUSD renders a wad USD figure with cent precision, rounding down.
func FormatUSD(v *uint256.Int) string {
	return FromWad(v).Truncate(2).StringFixed(2)
}
