package pricing

import (
	"fmt"
	"math/big"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Price computes a trade against a pool snapshot: the output amount of a sell of
// amount, or the input amount a buy of amount requires. Every variant rounds like its
// contract, in the pool's favour.
func Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, liquidity.ErrInvalidAmount
	}
	if dir.Kind != liquidity.Sell && dir.Kind != liquidity.Buy {
		return nil, fmt.Errorf("unknown order kind %q", dir.Kind)
	}
	if !pool.Serves(dir.TokenIn, dir.TokenOut) {
		return nil, fmt.Errorf("%w: pool %s", liquidity.ErrTokenNotInPair, pool.ID)
	}
	if amount.Cmp(maxUint256) > 0 {
		return nil, liquidity.NewInvariantError(pool.Kind(), liquidity.ErrOutOfRange)
	}

	zeroForOne := dir.TokenIn == pool.Pair.Token0()
	exactIn := dir.Kind == liquidity.Sell

	var (
		result *big.Int
		err    error
	)
	switch s := pool.State.(type) {
	case *liquidity.ConstantProductState:
		result, err = priceConstantProduct(s, zeroForOne, exactIn, amount)
	case *liquidity.WeightedState:
		result, err = priceWeighted(s, zeroForOne, exactIn, amount)
	case *liquidity.StableSwapState:
		result, err = priceStableSwap(s, dir, amount)
	case *liquidity.ConcentratedState:
		result, err = priceConcentrated(s, zeroForOne, exactIn, amount)
	default:
		return nil, fmt.Errorf("pool %s: unsupported state %T", pool.ID, pool.State)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case result.Sign() <= 0:
		return nil, liquidity.NewInvariantError(pool.Kind(), liquidity.ErrZeroOutput)
	case result.Cmp(maxUint256) > 0:
		return nil, liquidity.NewInvariantError(pool.Kind(), liquidity.ErrOutOfRange)
	}
	return result, nil
}

// invariantError attaches the protocol math error cause to one of the invariant reasons.
func invariantError(kind liquidity.Kind, reason, cause error) *liquidity.InvariantError {
	if cause == nil || cause == reason {
		return liquidity.NewInvariantError(kind, reason)
	}
	return liquidity.NewInvariantError(kind, fmt.Errorf("%w: %v", reason, cause))
}

func positive(values ...*big.Int) bool {
	for _, v := range values {
		if v == nil || v.Sign() <= 0 {
			return false
		}
	}
	return true
}
