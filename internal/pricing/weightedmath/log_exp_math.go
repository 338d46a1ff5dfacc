package weightedmath

import (
	"math/big"
)

// Port of Balancer's LogExpMath. Every division truncates towards zero like Solidity's
// signed arithmetic, which is what big.Int.Quo does.

func mustInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("weightedmath: bad integer literal " + s)
	}
	return n
}

var (
	one18 = big.NewInt(1e18)
	one20 = mustInt("100000000000000000000")
	one36 = mustInt("1000000000000000000000000000000000000")

	maxNaturalExponent = mustInt("130000000000000000000")
	minNaturalExponent = mustInt("-41000000000000000000")

	ln36LowerBound = big.NewInt(1e18 - 1e17)
	ln36UpperBound = big.NewInt(1e18 + 1e17)

	mildExponentBound = new(big.Int).Quo(new(big.Int).Lsh(big.NewInt(1), 254), one20)
	maxBase           = new(big.Int).Lsh(big.NewInt(1), 255)

	// 18 decimal constants
	x0 = mustInt("128000000000000000000")
	a0 = mustInt("38877084059945950922200000000000000000000000000000000000")
	x1 = mustInt("64000000000000000000")
	a1 = mustInt("6235149080811616882910000000")

	// 20 decimal constants: x_n = 2^(7-n), a_n = e^(x_n)
	xn = [...]*big.Int{
		mustInt("3200000000000000000000"),
		mustInt("1600000000000000000000"),
		mustInt("800000000000000000000"),
		mustInt("400000000000000000000"),
		mustInt("200000000000000000000"),
		mustInt("100000000000000000000"),
		mustInt("50000000000000000000"),
		mustInt("25000000000000000000"),
		mustInt("12500000000000000000"),
		mustInt("6250000000000000000"),
	}
	an = [...]*big.Int{
		mustInt("7896296018268069516100000000000000"),
		mustInt("888611052050787263676000000"),
		mustInt("298095798704172827474000"),
		mustInt("5459815003314423907810"),
		mustInt("738905609893065022723"),
		mustInt("271828182845904523536"),
		mustInt("164872127070012814685"),
		mustInt("128402541668774148407"),
		mustInt("113314845306682631683"),
		mustInt("106449445891785942956"),
	}
)

// Pow returns x^y for 18 decimal fixed point x and y, computed as exp(y * ln(x)).
func Pow(x, y *big.Int) (*big.Int, error) {
	if y.Sign() == 0 {
		return new(big.Int).Set(one18), nil
	}
	if x.Sign() == 0 {
		return new(big.Int), nil
	}
	if x.Sign() < 0 || x.Cmp(maxBase) >= 0 || y.Cmp(mildExponentBound) >= 0 {
		return nil, ErrOutOfBounds
	}

	var logxTimesY *big.Int
	if x.Cmp(ln36LowerBound) > 0 && x.Cmp(ln36UpperBound) < 0 {
		ln36x := ln36(x)
		// Split to avoid overflowing the intermediate product on-chain.
		q, r := new(big.Int).QuoRem(ln36x, one18, new(big.Int))
		logxTimesY = q.Mul(q, y)
		r.Mul(r, y)
		r.Quo(r, one18)
		logxTimesY.Add(logxTimesY, r)
	} else {
		logxTimesY = ln(x)
		logxTimesY.Mul(logxTimesY, y)
	}
	logxTimesY.Quo(logxTimesY, one18)

	if logxTimesY.Cmp(minNaturalExponent) < 0 || logxTimesY.Cmp(maxNaturalExponent) > 0 {
		return nil, ErrOutOfBounds
	}
	return Exp(logxTimesY)
}

// Exp returns e^x for 18 decimal fixed point x in [-41, 130].
func Exp(x *big.Int) (*big.Int, error) {
	if x.Cmp(minNaturalExponent) < 0 || x.Cmp(maxNaturalExponent) > 0 {
		return nil, ErrOutOfBounds
	}

	if x.Sign() < 0 {
		inv, err := Exp(new(big.Int).Neg(x))
		if err != nil {
			return nil, err
		}
		res := new(big.Int).Mul(one18, one18)
		return res.Quo(res, inv), nil
	}

	x = new(big.Int).Set(x)
	var firstAN *big.Int
	switch {
	case x.Cmp(x0) >= 0:
		x.Sub(x, x0)
		firstAN = a0
	case x.Cmp(x1) >= 0:
		x.Sub(x, x1)
		firstAN = a1
	default:
		firstAN = bigOne
	}

	// Switch to 20 decimals for the remaining terms.
	x.Mul(x, big.NewInt(100))

	product := new(big.Int).Set(one20)
	for i := 0; i < 8; i++ {
		if x.Cmp(xn[i]) >= 0 {
			x.Sub(x, xn[i])
			product.Mul(product, an[i])
			product.Quo(product, one20)
		}
	}

	// Taylor series for the remaining x < 2^-3, 12 terms.
	seriesSum := new(big.Int).Set(one20)
	term := new(big.Int).Set(x)
	seriesSum.Add(seriesSum, term)
	for n := int64(2); n <= 12; n++ {
		term.Mul(term, x)
		term.Quo(term, one20)
		term.Quo(term, big.NewInt(n))
		seriesSum.Add(seriesSum, term)
	}

	res := product.Mul(product, seriesSum)
	res.Quo(res, one20)
	res.Mul(res, firstAN)
	return res.Quo(res, big.NewInt(100)), nil
}

// ln returns the natural logarithm of an 18 decimal fixed point a > 0.
func ln(a *big.Int) *big.Int {
	if a.Cmp(one18) < 0 {
		inv := new(big.Int).Mul(one18, one18)
		inv.Quo(inv, a)
		return new(big.Int).Neg(ln(inv))
	}

	a = new(big.Int).Set(a)
	sum := new(big.Int)

	if a.Cmp(new(big.Int).Mul(a0, one18)) >= 0 {
		a.Quo(a, a0)
		sum.Add(sum, x0)
	}
	if a.Cmp(new(big.Int).Mul(a1, one18)) >= 0 {
		a.Quo(a, a1)
		sum.Add(sum, x1)
	}

	sum.Mul(sum, big.NewInt(100))
	a.Mul(a, big.NewInt(100))

	for i := range an {
		if a.Cmp(an[i]) >= 0 {
			a.Mul(a, one20)
			a.Quo(a, an[i])
			sum.Add(sum, xn[i])
		}
	}

	// ln(a) = 2 * artanh(z) with z = (a - 1) / (a + 1), odd terms up to 11.
	z := new(big.Int).Sub(a, one20)
	z.Mul(z, one20)
	z.Quo(z, new(big.Int).Add(a, one20))
	zSquared := new(big.Int).Mul(z, z)
	zSquared.Quo(zSquared, one20)

	num := new(big.Int).Set(z)
	seriesSum := new(big.Int).Set(num)
	for _, n := range []int64{3, 5, 7, 9, 11} {
		num.Mul(num, zSquared)
		num.Quo(num, one20)
		seriesSum.Add(seriesSum, new(big.Int).Quo(num, big.NewInt(n)))
	}
	seriesSum.Mul(seriesSum, big.NewInt(2))

	sum.Add(sum, seriesSum)
	return sum.Quo(sum, big.NewInt(100))
}

// ln36 returns ln(x) with 36 decimals for x close to one.
func ln36(x *big.Int) *big.Int {
	x = new(big.Int).Mul(x, one18)

	z := new(big.Int).Sub(x, one36)
	z.Mul(z, one36)
	z.Quo(z, new(big.Int).Add(x, one36))
	zSquared := new(big.Int).Mul(z, z)
	zSquared.Quo(zSquared, one36)

	num := new(big.Int).Set(z)
	seriesSum := new(big.Int).Set(num)
	for _, n := range []int64{3, 5, 7, 9, 11, 13, 15} {
		num.Mul(num, zSquared)
		num.Quo(num, one36)
		seriesSum.Add(seriesSum, new(big.Int).Quo(num, big.NewInt(n)))
	}
	return seriesSum.Mul(seriesSum, big.NewInt(2))
}
