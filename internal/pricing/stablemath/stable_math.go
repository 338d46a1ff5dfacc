// Package stablemath implements the Curve stable swap invariant with the integer
// rounding of the plain pool contracts.
package stablemath

import (
	"errors"
	"math/big"
)

const maxIterations = 255

var (
	ErrNotConverged          = errors.New("stable swap: newton iteration did not converge")
	ErrZeroBalance           = errors.New("stable swap: zero balance")
	ErrInsufficientLiquidity = errors.New("stable swap: insufficient liquidity")
	ErrBadIndex              = errors.New("stable swap: coin index out of range")
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)

	// FeeDenominator is the denominator of Curve's fee and admin fee values.
	FeeDenominator = big.NewInt(1e10)
)

// GetD computes the invariant D of the normalised balances xp for amplification amp.
func GetD(xp []*big.Int, amp *big.Int) (*big.Int, error) {
	n := big.NewInt(int64(len(xp)))
	s := new(big.Int)
	for _, x := range xp {
		s.Add(s, x)
	}
	if s.Sign() == 0 {
		return new(big.Int), nil
	}

	ann := new(big.Int).Mul(amp, n)
	annMinusOne := new(big.Int).Sub(ann, bigOne)
	nPlusOne := new(big.Int).Add(n, bigOne)
	annS := new(big.Int).Mul(ann, s)

	d := new(big.Int).Set(s)
	for range maxIterations {
		dP := new(big.Int).Set(d)
		for _, x := range xp {
			if x.Sign() == 0 {
				return nil, ErrZeroBalance
			}
			dP.Mul(dP, d)
			dP.Quo(dP, new(big.Int).Mul(x, n))
		}
		prev := d

		num := new(big.Int).Mul(dP, n)
		num.Add(num, annS)
		num.Mul(num, d)
		den := new(big.Int).Mul(annMinusOne, d)
		den.Add(den, new(big.Int).Mul(nPlusOne, dP))
		d = num.Quo(num, den)

		if converged(d, prev) {
			return d, nil
		}
	}
	return nil, ErrNotConverged
}

// GetY returns the new normalised balance of coin j when coin i is set to x and D is
// kept constant.
func GetY(i, j int, x *big.Int, xp []*big.Int, amp *big.Int) (*big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= len(xp) || j >= len(xp) {
		return nil, ErrBadIndex
	}

	d, err := GetD(xp, amp)
	if err != nil {
		return nil, err
	}

	n := big.NewInt(int64(len(xp)))
	ann := new(big.Int).Mul(amp, n)
	c := new(big.Int).Set(d)
	s := new(big.Int)
	for k := range xp {
		var xk *big.Int
		switch k {
		case i:
			xk = x
		case j:
			continue
		default:
			xk = xp[k]
		}
		if xk.Sign() == 0 {
			return nil, ErrZeroBalance
		}
		s.Add(s, xk)
		c.Mul(c, d)
		c.Quo(c, new(big.Int).Mul(xk, n))
	}
	c.Mul(c, d)
	c.Quo(c, new(big.Int).Mul(ann, n))
	b := new(big.Int).Quo(d, ann)
	b.Add(b, s)

	y := new(big.Int).Set(d)
	for range maxIterations {
		prev := y
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(bigTwo, y)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return nil, ErrInsufficientLiquidity
		}
		y = num.Quo(num, den)
		if converged(y, prev) {
			return y, nil
		}
	}
	return nil, ErrNotConverged
}

// GetDy returns the output of coin j for dx of coin i, after the fee is taken from the
// output. Balances are raw token amounts; multipliers lift them to 18 decimals.
func GetDy(i, j int, dx *big.Int, balances, multipliers []*big.Int, amp, fee *big.Int) (*big.Int, error) {
	xp, err := normalise(balances, multipliers)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(xp) || j < 0 || j >= len(xp) {
		return nil, ErrBadIndex
	}

	x := new(big.Int).Mul(dx, multipliers[i])
	x.Add(x, xp[i])
	y, err := GetY(i, j, x, xp, amp)
	if err != nil {
		return nil, err
	}

	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, bigOne)
	if dy.Sign() <= 0 {
		return new(big.Int), nil
	}
	dy.Quo(dy, multipliers[j])

	charged := new(big.Int).Mul(fee, dy)
	charged.Quo(charged, FeeDenominator)
	return dy.Sub(dy, charged), nil
}

// GetDx returns the input of coin i needed to receive dy of coin j, rounded up.
func GetDx(i, j int, dy *big.Int, balances, multipliers []*big.Int, amp, fee *big.Int) (*big.Int, error) {
	xp, err := normalise(balances, multipliers)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(xp) || j < 0 || j >= len(xp) {
		return nil, ErrBadIndex
	}

	feeComplement := new(big.Int).Sub(FeeDenominator, fee)
	if feeComplement.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	gross := new(big.Int).Mul(dy, FeeDenominator)
	gross.Quo(gross, feeComplement)
	gross.Mul(gross, multipliers[j])

	y := new(big.Int).Sub(xp[j], gross)
	if y.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	x, err := GetY(j, i, y, xp, amp)
	if err != nil {
		return nil, err
	}

	dx := x.Sub(x, xp[i])
	if dx.Sign() < 0 {
		return nil, ErrInsufficientLiquidity
	}
	dx.Quo(dx, multipliers[i])
	return dx.Add(dx, bigOne), nil
}

// Multiplier returns 10^(18-decimals), the factor lifting a token to 18 decimals.
func Multiplier(decimals uint8) (*big.Int, bool) {
	if decimals > 18 {
		return nil, false
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil), true
}

func normalise(balances, multipliers []*big.Int) ([]*big.Int, error) {
	if len(balances) != len(multipliers) || len(balances) < 2 {
		return nil, ErrBadIndex
	}
	xp := make([]*big.Int, len(balances))
	for k, b := range balances {
		if b.Sign() <= 0 {
			return nil, ErrZeroBalance
		}
		xp[k] = new(big.Int).Mul(b, multipliers[k])
	}
	return xp, nil
}

func converged(a, b *big.Int) bool {
	diff := new(big.Int).Sub(a, b)
	return diff.CmpAbs(bigOne) <= 0
}
