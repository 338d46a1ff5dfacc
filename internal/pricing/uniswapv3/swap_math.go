package uniswapv3

import (
	"math/big"
	"sort"
)

// SwapStepResult holds the result of a single swap computation step
type SwapStepResult struct {
	SqrtRatioNextX96 *big.Int // The sqrt price after the swap step
	AmountIn         *big.Int // Amount of input token consumed, excluding fee
	AmountOut        *big.Int // Amount of output token produced
	FeeAmount        *big.Int // Fee amount charged
}

// ComputeSwapStep computes the result of swapping within a single price range.
// amountRemaining is positive for exact input and negative for exact output.
// Ported from Uniswap V3 SwapMath.sol
func ComputeSwapStep(
	sqrtRatioCurrentX96 *big.Int,
	sqrtRatioTargetX96 *big.Int,
	liquidity *big.Int,
	amountRemaining *big.Int,
	feePips uint32,
) (*SwapStepResult, error) {
	result := &SwapStepResult{}

	fee := big.NewInt(int64(feePips))
	feeComplement := new(big.Int).Sub(feeUnits, fee)
	zeroForOne := sqrtRatioCurrentX96.Cmp(sqrtRatioTargetX96) >= 0
	exactIn := amountRemaining.Sign() >= 0

	var err error
	if exactIn {
		amountRemainingLessFee := new(big.Int).Mul(amountRemaining, feeComplement)
		amountRemainingLessFee.Quo(amountRemainingLessFee, feeUnits)

		if zeroForOne {
			result.AmountIn = GetAmount0Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, true)
		} else {
			result.AmountIn = GetAmount1Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, true)
		}

		if amountRemainingLessFee.Cmp(result.AmountIn) >= 0 {
			result.SqrtRatioNextX96 = new(big.Int).Set(sqrtRatioTargetX96)
		} else {
			result.SqrtRatioNextX96, err = GetNextSqrtPriceFromInput(sqrtRatioCurrentX96, liquidity, amountRemainingLessFee, zeroForOne)
			if err != nil {
				return nil, err
			}
		}
	} else {
		if zeroForOne {
			result.AmountOut = GetAmount1Delta(sqrtRatioTargetX96, sqrtRatioCurrentX96, liquidity, false)
		} else {
			result.AmountOut = GetAmount0Delta(sqrtRatioCurrentX96, sqrtRatioTargetX96, liquidity, false)
		}

		amountRemainingAbs := new(big.Int).Neg(amountRemaining)
		if amountRemainingAbs.Cmp(result.AmountOut) >= 0 {
			result.SqrtRatioNextX96 = new(big.Int).Set(sqrtRatioTargetX96)
		} else {
			result.SqrtRatioNextX96, err = GetNextSqrtPriceFromOutput(sqrtRatioCurrentX96, liquidity, amountRemainingAbs, zeroForOne)
			if err != nil {
				return nil, err
			}
		}
	}

	reachedTarget := result.SqrtRatioNextX96.Cmp(sqrtRatioTargetX96) == 0

	// Amounts computed against the target are only valid if the target was reached.
	if zeroForOne {
		if !(reachedTarget && exactIn) {
			result.AmountIn = GetAmount0Delta(result.SqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, true)
		}
		if !(reachedTarget && !exactIn) {
			result.AmountOut = GetAmount1Delta(result.SqrtRatioNextX96, sqrtRatioCurrentX96, liquidity, false)
		}
	} else {
		if !(reachedTarget && exactIn) {
			result.AmountIn = GetAmount1Delta(sqrtRatioCurrentX96, result.SqrtRatioNextX96, liquidity, true)
		}
		if !(reachedTarget && !exactIn) {
			result.AmountOut = GetAmount0Delta(sqrtRatioCurrentX96, result.SqrtRatioNextX96, liquidity, false)
		}
	}

	if !exactIn {
		if limit := new(big.Int).Neg(amountRemaining); result.AmountOut.Cmp(limit) > 0 {
			result.AmountOut = limit
		}
	}

	if exactIn && !reachedTarget {
		// The remainder of the input is taken as fee.
		result.FeeAmount = new(big.Int).Sub(amountRemaining, result.AmountIn)
	} else {
		result.FeeAmount = mulDivRoundingUp(result.AmountIn, fee, feeComplement)
	}

	return result, nil
}

// Tick is an initialised tick and the liquidity change applied when crossing it upwards.
type Tick struct {
	Index        int32
	LiquidityNet *big.Int
}

// SwapParams describes a swap against a snapshot of a concentrated liquidity pool.
type SwapParams struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
	FeePips      uint32
	// Ticks are the initialised ticks known for the pool, sorted by Index.
	Ticks []Tick
	// LowerBound and UpperBound delimit the tick range that Ticks covers. Moving past
	// them fails with ErrInsufficientLiquidity because liquidity beyond is unknown.
	LowerBound int32
	UpperBound int32
	ZeroForOne bool
	// AmountSpecified is positive for exact input and negative for exact output.
	AmountSpecified *big.Int
}

// SwapResult is the outcome of Swap. AmountIn includes fees.
type SwapResult struct {
	AmountIn     *big.Int
	AmountOut    *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
	TicksCrossed int
}

// Swap simulates UniswapV3Pool.swap over the known ticks, crossing initialised ticks
// and adjusting liquidity until the specified amount is consumed.
func Swap(p SwapParams) (*SwapResult, error) {
	if p.AmountSpecified == nil || p.AmountSpecified.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}
	if p.SqrtPriceX96 == nil || p.SqrtPriceX96.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	lower, upper := max(p.LowerBound, MinTick), min(p.UpperBound, MaxTick)
	if p.LowerBound == 0 && p.UpperBound == 0 {
		lower, upper = MinTick, MaxTick
	}

	exactIn := p.AmountSpecified.Sign() > 0
	remaining := new(big.Int).Set(p.AmountSpecified)
	sqrtPrice := new(big.Int).Set(p.SqrtPriceX96)
	liquidity := new(big.Int).Set(p.Liquidity)
	tick := p.Tick

	res := &SwapResult{AmountIn: new(big.Int), AmountOut: new(big.Int)}

	for remaining.Sign() != 0 {
		next, initialized := nextInitializedTick(p.Ticks, tick, p.ZeroForOne)
		bounded := false
		switch {
		case p.ZeroForOne && (!initialized || next.Index < lower):
			next, initialized, bounded = Tick{Index: lower}, false, true
		case !p.ZeroForOne && (!initialized || next.Index > upper):
			next, initialized, bounded = Tick{Index: upper}, false, true
		}

		sqrtTarget, err := GetSqrtRatioAtTick(next.Index)
		if err != nil {
			return nil, err
		}
		if liquidity.Sign() < 0 {
			return nil, ErrInvalidLiquidity
		}

		step, err := ComputeSwapStep(sqrtPrice, sqrtTarget, liquidity, remaining, p.FeePips)
		if err != nil {
			return nil, err
		}

		spent := new(big.Int).Add(step.AmountIn, step.FeeAmount)
		res.AmountIn.Add(res.AmountIn, spent)
		res.AmountOut.Add(res.AmountOut, step.AmountOut)
		if exactIn {
			remaining.Sub(remaining, spent)
		} else {
			remaining.Add(remaining, step.AmountOut)
		}
		sqrtPrice = step.SqrtRatioNextX96

		if sqrtPrice.Cmp(sqrtTarget) != 0 {
			tick, err = GetTickAtSqrtRatio(sqrtPrice)
			if err != nil {
				return nil, err
			}
			continue
		}

		if bounded {
			if remaining.Sign() != 0 {
				return nil, ErrInsufficientLiquidity
			}
			tick = next.Index
			break
		}

		if initialized && next.LiquidityNet != nil {
			if p.ZeroForOne {
				liquidity.Sub(liquidity, next.LiquidityNet)
			} else {
				liquidity.Add(liquidity, next.LiquidityNet)
			}
			res.TicksCrossed++
		}
		if p.ZeroForOne {
			tick = next.Index - 1
		} else {
			tick = next.Index
		}
	}

	res.SqrtPriceX96 = sqrtPrice
	res.Tick = tick
	return res, nil
}

// nextInitializedTick returns the closest initialised tick at or below tick when lte,
// or strictly above tick otherwise.
func nextInitializedTick(ticks []Tick, tick int32, lte bool) (Tick, bool) {
	if lte {
		i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Index > tick })
		if i == 0 {
			return Tick{}, false
		}
		return ticks[i-1], true
	}

	i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Index > tick })
	if i == len(ticks) {
		return Tick{}, false
	}
	return ticks[i], true
}
