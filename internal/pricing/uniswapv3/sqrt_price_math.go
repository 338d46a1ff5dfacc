package uniswapv3

import (
	"errors"
	"math/big"
)

var (
	ErrInvalidLiquidity      = errors.New("uniswapv3: liquidity must be positive")
	ErrInvalidPrice          = errors.New("uniswapv3: sqrt price must be positive")
	ErrInsufficientLiquidity = errors.New("uniswapv3: insufficient liquidity")
)

var (
	q96      = new(big.Int).Lsh(big.NewInt(1), 96)
	bigOne   = big.NewInt(1)
	feeUnits = big.NewInt(1_000_000) // fees are in hundredths of a bip
)

func ordered(a, b *big.Int) (lo, hi *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// GetAmount0Delta returns liquidity * (sqrtHi - sqrtLo) / (sqrtHi * sqrtLo), the token0
// amount between two Q64.96 prices, in either argument order.
func GetAmount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	lo, hi := ordered(sqrtA, sqrtB)
	scaled := new(big.Int).Lsh(liquidity, 96)
	span := new(big.Int).Sub(hi, lo)

	if !roundUp {
		out := scaled.Mul(scaled, span)
		out.Quo(out, hi)
		return out.Quo(out, lo)
	}
	return divRoundingUp(mulDivRoundingUp(scaled, span, hi), lo)
}

// GetAmount1Delta returns liquidity * (sqrtHi - sqrtLo) / 2^96, the token1 amount
// between two Q64.96 prices.
func GetAmount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	lo, hi := ordered(sqrtA, sqrtB)
	span := new(big.Int).Sub(hi, lo)
	if roundUp {
		return mulDivRoundingUp(liquidity, span, q96)
	}
	out := span.Mul(span, liquidity)
	return out.Quo(out, q96)
}

// GetNextSqrtPriceFromInput returns the price after adding amountIn of the input token.
func GetNextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	// Selling token0 adds token0; selling token1 adds token1.
	return nextSqrtPrice(sqrtP, liquidity, amountIn, zeroForOne, true)
}

// GetNextSqrtPriceFromOutput returns the price after removing amountOut of the output
// token.
func GetNextSqrtPriceFromOutput(sqrtP, liquidity, amountOut *big.Int, zeroForOne bool) (*big.Int, error) {
	// Selling token0 removes token1; selling token1 removes token0.
	return nextSqrtPrice(sqrtP, liquidity, amountOut, !zeroForOne, false)
}

// nextSqrtPrice moves sqrtP by amount of token0 (isToken0) or token1. Token0 moves
// round the price up and token1 moves round it down, so the pool never gives away
// more than the contract would.
func nextSqrtPrice(sqrtP, liquidity, amount *big.Int, isToken0, add bool) (*big.Int, error) {
	switch {
	case sqrtP.Sign() <= 0:
		return nil, ErrInvalidPrice
	case liquidity.Sign() <= 0:
		return nil, ErrInvalidLiquidity
	}

	if isToken0 {
		if amount.Sign() == 0 {
			return new(big.Int).Set(sqrtP), nil
		}
		scaled := new(big.Int).Lsh(liquidity, 96)
		product := new(big.Int).Mul(amount, sqrtP)
		denominator := new(big.Int)
		if add {
			denominator.Add(scaled, product)
		} else if denominator.Sub(scaled, product); denominator.Sign() <= 0 {
			return nil, ErrInsufficientLiquidity
		}
		return mulDivRoundingUp(scaled, sqrtP, denominator), nil
	}

	shifted := new(big.Int).Lsh(amount, 96)
	if add {
		shifted.Quo(shifted, liquidity)
		return shifted.Add(shifted, sqrtP), nil
	}
	delta := divRoundingUp(shifted, liquidity)
	if sqrtP.Cmp(delta) <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return delta.Sub(sqrtP, delta), nil
}

func mulDivRoundingUp(a, b, denominator *big.Int) *big.Int {
	return divRoundingUp(new(big.Int).Mul(a, b), denominator)
}

func divRoundingUp(a, denominator *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, denominator, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, bigOne)
	}
	return q
}
