// Package money converts raw on-chain integer amounts to and from human-readable
// decimals. It is a display boundary: quoting always works on raw integers.
package money

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount is returned when parsing a negative amount.
	ErrNegativeAmount = errors.New("money: negative amount")
	// ErrTooManyDecimals is returned when an amount has more fractional digits than the token.
	ErrTooManyDecimals = errors.New("money: too many decimals")
)

// BPSScale is one in basis points.
const BPSScale = 10000

var bpsScale = decimal.NewFromInt(BPSScale)

// ToDecimal scales a raw amount down by decimals.
func ToDecimal(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FormatUnits renders a raw amount with the token's decimals, e.g. 1500000 with 6
// decimals is "1.5".
func FormatUnits(raw *big.Int, decimals int) string {
	return ToDecimal(raw, decimals).String()
}

// ParseUnits parses a human-readable amount into raw units. Fractional digits beyond
// decimals are rejected rather than rounded.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d", ErrTooManyDecimals, s, decimals)
	}
	return scaled.BigInt(), nil
}

// EffectivePrice is the amount of tokenOut received per whole tokenIn. It is zero
// when amountIn is zero.
func EffectivePrice(amountIn *big.Int, decimalsIn int, amountOut *big.Int, decimalsOut int) decimal.Decimal {
	in := ToDecimal(amountIn, decimalsIn)
	if in.IsZero() {
		return decimal.Zero
	}
	return ToDecimal(amountOut, decimalsOut).DivRound(in, 18)
}

// FractionToBPS converts value/one to basis points, e.g. a Balancer swap fee of
// 3e15 over 1e18 is 30 bps.
func FractionToBPS(value, one *big.Int) decimal.Decimal {
	if value == nil || one == nil || one.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, 0).Mul(bpsScale).DivRound(decimal.NewFromBigInt(one, 0), 4)
}

// PipsToBPS converts hundredths of a basis point (Uniswap V3 fee units) to basis points.
func PipsToBPS(pips uint32) decimal.Decimal {
	return decimal.New(int64(pips), -2)
}
