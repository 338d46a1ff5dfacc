// Package weightedmath implements Balancer V2 weighted pool math on 18-decimal fixed
// point integers: FixedPoint rounding helpers, LogExpMath and WeightedMath.
package weightedmath

import (
	"errors"
	"math/big"
)

var (
	ErrMaxInRatio  = errors.New("amount in exceeds max in ratio")
	ErrMaxOutRatio = errors.New("amount out exceeds max out ratio")
	ErrZeroInvalid = errors.New("division by zero")
	ErrSubOverflow = errors.New("subtraction underflow")
	ErrOutOfBounds = errors.New("exponent out of bounds")
)

var (
	One  = big.NewInt(1e18)
	two  = big.NewInt(2e18)
	four = big.NewInt(4e18)

	// maxPowRelativeError bounds the LogExpMath error: 1e-14 in 18 decimals.
	maxPowRelativeError = big.NewInt(10000)

	bigOne = big.NewInt(1)
)

// MulDown returns a*b/1e18 rounded down.
func MulDown(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, One)
}

// MulUp returns a*b/1e18 rounded up.
func MulUp(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	if p.Sign() == 0 {
		return p
	}
	p.Sub(p, bigOne)
	p.Quo(p, One)
	return p.Add(p, bigOne)
}

// DivDown returns a*1e18/b rounded down.
func DivDown(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrZeroInvalid
	}
	p := new(big.Int).Mul(a, One)
	return p.Quo(p, b), nil
}

// DivUp returns a*1e18/b rounded up.
func DivUp(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrZeroInvalid
	}
	if a.Sign() == 0 {
		return new(big.Int), nil
	}
	p := new(big.Int).Mul(a, One)
	p.Sub(p, bigOne)
	p.Quo(p, b)
	return p.Add(p, bigOne), nil
}

// Complement returns 1e18 - x, or zero when x >= 1e18.
func Complement(x *big.Int) *big.Int {
	if x.Cmp(One) >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(One, x)
}

// PowUp returns x^y rounded up, using exact squaring for the common weight ratios.
func PowUp(x, y *big.Int) (*big.Int, error) {
	switch {
	case y.Cmp(One) == 0:
		return new(big.Int).Set(x), nil
	case y.Cmp(two) == 0:
		return MulUp(x, x), nil
	case y.Cmp(four) == 0:
		square := MulUp(x, x)
		return MulUp(square, square), nil
	}

	raw, err := Pow(x, y)
	if err != nil {
		return nil, err
	}
	maxError := MulUp(raw, maxPowRelativeError)
	maxError.Add(maxError, bigOne)
	return raw.Add(raw, maxError), nil
}
