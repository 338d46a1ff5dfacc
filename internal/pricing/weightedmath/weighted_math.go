package weightedmath

import (
	"math/big"
)

var (
	maxInRatio  = big.NewInt(3e17)
	maxOutRatio = big.NewInt(3e17)
)

// CalcOutGivenIn returns the amount of token out for amountIn of token in, all values
// upscaled to 18 decimals and without swap fees.
func CalcOutGivenIn(balanceIn, weightIn, balanceOut, weightOut, amountIn *big.Int) (*big.Int, error) {
	if amountIn.Cmp(MulDown(balanceIn, maxInRatio)) > 0 {
		return nil, ErrMaxInRatio
	}

	denominator := new(big.Int).Add(balanceIn, amountIn)
	base, err := DivUp(balanceIn, denominator)
	if err != nil {
		return nil, err
	}
	exponent, err := DivDown(weightIn, weightOut)
	if err != nil {
		return nil, err
	}
	power, err := PowUp(base, exponent)
	if err != nil {
		return nil, err
	}

	return MulDown(balanceOut, Complement(power)), nil
}

// CalcInGivenOut returns the amount of token in needed for amountOut of token out, all
// values upscaled to 18 decimals and without swap fees.
func CalcInGivenOut(balanceIn, weightIn, balanceOut, weightOut, amountOut *big.Int) (*big.Int, error) {
	if amountOut.Cmp(MulDown(balanceOut, maxOutRatio)) > 0 {
		return nil, ErrMaxOutRatio
	}

	remaining := new(big.Int).Sub(balanceOut, amountOut)
	if remaining.Sign() <= 0 {
		return nil, ErrSubOverflow
	}
	base, err := DivUp(balanceOut, remaining)
	if err != nil {
		return nil, err
	}
	exponent, err := DivUp(weightOut, weightIn)
	if err != nil {
		return nil, err
	}
	power, err := PowUp(base, exponent)
	if err != nil {
		return nil, err
	}

	ratio := power.Sub(power, One)
	if ratio.Sign() < 0 {
		return nil, ErrSubOverflow
	}
	return MulUp(balanceIn, ratio), nil
}

// SubtractSwapFee removes the swap fee from an exact input amount, rounding the fee up.
func SubtractSwapFee(amount, swapFee *big.Int) *big.Int {
	fee := MulUp(amount, swapFee)
	return fee.Sub(amount, fee)
}

// AddSwapFee grosses up an input amount by the swap fee.
func AddSwapFee(amount, swapFee *big.Int) (*big.Int, error) {
	return DivUp(amount, Complement(swapFee))
}

// Upscale converts a raw token amount to 18 decimals with its scaling factor.
func Upscale(amount, scalingFactor *big.Int) *big.Int {
	return MulDown(amount, scalingFactor)
}

// DownscaleDown converts an 18 decimal amount back to token units, rounding down.
func DownscaleDown(amount, scalingFactor *big.Int) (*big.Int, error) {
	return DivDown(amount, scalingFactor)
}

// DownscaleUp converts an 18 decimal amount back to token units, rounding up.
func DownscaleUp(amount, scalingFactor *big.Int) (*big.Int, error) {
	return DivUp(amount, scalingFactor)
}

// ScalingFactor returns the FixedPoint scaling factor of a token with decimals, or nil
// for more than 18 decimals.
func ScalingFactor(decimals uint8) *big.Int {
	if decimals > 18 {
		return nil
	}
	f := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return f.Mul(f, One)
}
