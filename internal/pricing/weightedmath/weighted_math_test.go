package weightedmath

import (
	"errors"
	"math/big"
	"testing"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), One)
}

func frac(numer, denom int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(numer), One)
	return v.Quo(v, big.NewInt(denom))
}

func TestFixedPointRounding(t *testing.T) {
	base, _ := DivUp(e18(1000), e18(1010))
	if base.String() != "990099009900990100" {
		t.Errorf("DivUp = %s", base)
	}
	down, _ := DivDown(e18(1000), e18(1010))
	if down.String() != "990099009900990099" {
		t.Errorf("DivDown = %s", down)
	}
	if c := Complement(base); c.String() != "9900990099009900" {
		t.Errorf("Complement = %s", c)
	}
	if c := Complement(e18(2)); c.Sign() != 0 {
		t.Errorf("Complement above one = %s", c)
	}
	if MulUp(big.NewInt(0), e18(5)).Sign() != 0 {
		t.Error("MulUp of zero should be zero")
	}
	if got := MulUp(big.NewInt(1), big.NewInt(1)); got.Int64() != 1 {
		t.Errorf("MulUp(1,1) = %s, want 1", got)
	}
	if got := MulDown(big.NewInt(1), big.NewInt(1)); got.Sign() != 0 {
		t.Errorf("MulDown(1,1) = %s, want 0", got)
	}
	if _, err := DivUp(One, big.NewInt(0)); !errors.Is(err, ErrZeroInvalid) {
		t.Errorf("expected ErrZeroInvalid, got %v", err)
	}
}

func TestLogExpMath(t *testing.T) {
	tests := []struct {
		name string
		x, y *big.Int
		want string
	}{
		{"sqrt 2", e18(2), frac(1, 2), "1414213562373095047"},
		{"1.05^0.3", frac(105, 100), frac(3, 10), "1014744695422405258"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pow(tt.x, tt.y)
			if err != nil {
				t.Fatalf("Pow: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Pow = %s, want %s", got, tt.want)
			}
		})
	}

	e, err := Exp(One)
	if err != nil || e.String() != "2718281828459045235" {
		t.Errorf("Exp(1) = %v, %v", e, err)
	}
	if l := ln(mustInt("2718281828459045235")); l.String() != "999999999999999999" {
		t.Errorf("ln(e) = %s", l)
	}
	if _, err := Exp(mustInt("131000000000000000000")); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if got, _ := Pow(big.NewInt(0), One); got.Sign() != 0 {
		t.Errorf("0^1 = %s", got)
	}
	if got, _ := Pow(e18(7), big.NewInt(0)); got.Cmp(One) != 0 {
		t.Errorf("7^0 = %s", got)
	}
}

func TestCalcOutGivenIn(t *testing.T) {
	tests := []struct {
		name              string
		weightIn, weightOut *big.Int
		want              string
	}{
		{"50/50", frac(1, 2), frac(1, 2), "9900990099009900000"},
		{"80/20", frac(8, 10), frac(2, 10), "39019655517183711000"},
		{"20/80", frac(2, 10), frac(8, 10), "2484491243364657000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := CalcOutGivenIn(e18(1000), tt.weightIn, e18(1000), tt.weightOut, e18(10))
			if err != nil {
				t.Fatalf("CalcOutGivenIn: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("out = %s, want %s", out, tt.want)
			}
		})
	}
}

func TestCalcInGivenOut(t *testing.T) {
	in, err := CalcInGivenOut(e18(1000), frac(1, 2), e18(1000), frac(1, 2), e18(10))
	if err != nil {
		t.Fatalf("CalcInGivenOut: %v", err)
	}
	if in.String() != "10101010101010102000" {
		t.Errorf("in = %s", in)
	}

	in, err = CalcInGivenOut(e18(1000), frac(8, 10), e18(1000), frac(2, 10), e18(10))
	if err != nil {
		t.Fatalf("CalcInGivenOut 80/20: %v", err)
	}
	if in.String() != "2515743147823180000" {
		t.Errorf("in 80/20 = %s", in)
	}
}

func TestMaxRatios(t *testing.T) {
	if _, err := CalcOutGivenIn(e18(100), frac(1, 2), e18(100), frac(1, 2), e18(31)); !errors.Is(err, ErrMaxInRatio) {
		t.Errorf("expected ErrMaxInRatio, got %v", err)
	}
	if _, err := CalcInGivenOut(e18(100), frac(1, 2), e18(100), frac(1, 2), e18(31)); !errors.Is(err, ErrMaxOutRatio) {
		t.Errorf("expected ErrMaxOutRatio, got %v", err)
	}
}

func TestFeesAndScaling(t *testing.T) {
	fee := big.NewInt(3e15)
	in := SubtractSwapFee(e18(10), fee)
	if in.String() != "9970000000000000000" {
		t.Errorf("SubtractSwapFee = %s", in)
	}

	usdcScale := ScalingFactor(6)
	if usdcScale.String() != "1000000000000000000000000000000" {
		t.Errorf("ScalingFactor(6) = %s", usdcScale)
	}
	if ScalingFactor(19) != nil {
		t.Error("ScalingFactor(19) should be nil")
	}

	balanceOut := Upscale(big.NewInt(1000_000000), usdcScale)
	out, err := CalcOutGivenIn(e18(1000), frac(1, 2), balanceOut, frac(1, 2), in)
	if err != nil {
		t.Fatalf("CalcOutGivenIn: %v", err)
	}
	raw, _ := DownscaleDown(out, usdcScale)
	if raw.String() != "9871580" {
		t.Errorf("usdc out = %s", raw)
	}

	gross, err := AddSwapFee(mustInt("10101010101010102000"), fee)
	if err != nil {
		t.Fatalf("AddSwapFee: %v", err)
	}
	if gross.String() != "10131404313951957874" {
		t.Errorf("AddSwapFee = %s", gross)
	}
}
