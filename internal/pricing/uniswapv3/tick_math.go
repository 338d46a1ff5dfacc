// Package uniswapv3 holds the integer math of Uniswap V3 pools: tick and sqrt-price
// conversion, single-range swap steps and tick walking.
package uniswapv3

import (
	"errors"
	"math/big"
)

// Tick math constants from Uniswap V3
// https://github.com/Uniswap/v3-core/blob/main/contracts/libraries/TickMath.sol
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	// MinSqrtRatio is the minimum sqrt price (at MinTick)
	MinSqrtRatio = big.NewInt(4295128739)

	// MaxSqrtRatio is the maximum sqrt price (at MaxTick)
	MaxSqrtRatio = mustParseBigInt("1461446703485210103287273052203988822378723970342")

	ErrInvalidTick      = errors.New("tick out of bounds")
	ErrInvalidSqrtRatio = errors.New("sqrt ratio out of bounds")
)

// sqrt(1.0001^-(2^i)) * 2^128 for i = 0..19
var tickRatios = [20]*big.Int{
	mustParseBigInt("0xfffcb933bd6fad37aa2d162d1a594001"),
	mustParseBigInt("0xfff97272373d413259a46990580e213a"),
	mustParseBigInt("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	mustParseBigInt("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	mustParseBigInt("0xffcb9843d60f6159c9db58835c926644"),
	mustParseBigInt("0xff973b41fa98c081472e6896dfb254c0"),
	mustParseBigInt("0xff2ea16466c96a3843ec78b326b52861"),
	mustParseBigInt("0xfe5dee046a99a2a811c461f1969c3053"),
	mustParseBigInt("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	mustParseBigInt("0xf987a7253ac413176f2b074cf7815e54"),
	mustParseBigInt("0xf3392b0822b70005940c7a398e4b70f3"),
	mustParseBigInt("0xe7159475a2c29b7443b29c7fa6e889d9"),
	mustParseBigInt("0xd097f3bdfd2022b8845ad8f792aa5825"),
	mustParseBigInt("0xa9f746462d870fdf8a65dc1f90e061e5"),
	mustParseBigInt("0x70d869a156d2a1b890bb3df62baf32f7"),
	mustParseBigInt("0x31be135f97d08fd981231505542fcfa6"),
	mustParseBigInt("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	mustParseBigInt("0x5d6af8dedb81196699c329225ee604"),
	mustParseBigInt("0x2216e584f5fa1ea926041bedfe98"),
	mustParseBigInt("0x48a170391f7dc42444e8fa2"),
}

var (
	q128       = new(big.Int).Lsh(big.NewInt(1), 128)
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// mustParseBigInt parses a decimal or 0x-prefixed hex literal, panicking on malformed input
func mustParseBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		panic("uniswapv3: bad integer literal " + s)
	}
	return n
}

// GetSqrtRatioAtTick calculates sqrt(1.0001^tick) * 2^96
// Ported from Uniswap V3 TickMath.sol
func GetSqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrInvalidTick
	}

	absTick := tick
	if tick < 0 {
		absTick = -tick
	}

	ratio := new(big.Int)
	if absTick&0x1 != 0 {
		ratio.Set(tickRatios[0])
	} else {
		ratio.Set(q128)
	}
	for i := 1; i < len(tickRatios); i++ {
		if absTick&(1<<i) != 0 {
			ratio.Mul(ratio, tickRatios[i])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Quo(maxUint256, ratio)
	}

	// Q128.128 to Q64.96, rounding up so GetTickAtSqrtRatio stays consistent.
	rem := new(big.Int).And(ratio, big.NewInt(0xffffffff))
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, bigOne)
	}

	return ratio, nil
}

// GetTickAtSqrtRatio returns the greatest tick whose sqrt ratio is at most sqrtPriceX96
func GetTickAtSqrtRatio(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, ErrInvalidSqrtRatio
	}

	// Binary search over [MinTick, MaxTick] for the last tick with ratio <= price.
	left, right := MinTick, MaxTick
	for left < right {
		mid := left + (right-left+1)/2
		sqrtRatio, _ := GetSqrtRatioAtTick(mid)
		if sqrtRatio.Cmp(sqrtPriceX96) <= 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	return left, nil
}
