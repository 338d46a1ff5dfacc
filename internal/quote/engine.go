// Package quote prices one request against one pool snapshot.
package quote

import (
	"fmt"
	"math/big"

	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing"
)

// Adapters resolves the adapter that owns a pool. pricing.Set implements it.
type Adapters interface {
	Get(name string) (pricing.Adapter, error)
}

// Engine validates requests and delegates the invariant math to the pool's adapter.
type Engine struct {
	adapters Adapters
}

// NewEngine creates an engine over adapters.
func NewEngine(adapters Adapters) *Engine {
	return &Engine{adapters: adapters}
}

// Quote prices req against pool, which must have been observed at block. Sells fix
// the input and compute the output; buys fix the output and compute the input.
func (e *Engine) Quote(pool liquidity.Pool, req liquidity.Request, block uint64) (liquidity.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return liquidity.Quote{}, liquidity.ErrInvalidAmount
	}
	if req.Kind != liquidity.Sell && req.Kind != liquidity.Buy {
		return liquidity.Quote{}, fmt.Errorf("unknown order kind %q", req.Kind)
	}
	if !pool.Serves(req.TokenIn, req.TokenOut) {
		return liquidity.Quote{}, fmt.Errorf("%w: %s does not trade %s for %s",
			liquidity.ErrTokenNotInPair, pool.ID, req.TokenIn.Hex(), req.TokenOut.Hex())
	}
	if pool.Block != block {
		return liquidity.Quote{}, fmt.Errorf("%w: %s observed at %d, requested %d",
			liquidity.ErrBlockMismatch, pool.ID, pool.Block, block)
	}

	adapter, err := e.adapters.Get(pool.ID.Adapter)
	if err != nil {
		return liquidity.Quote{}, err
	}
	if adapter.Kind() != pool.Kind() {
		return liquidity.Quote{}, fmt.Errorf("%w: %s prices %s pools, got %s",
			liquidity.ErrUnknownAdapter, adapter.Name(), adapter.Kind(), pool.Kind())
	}
	result, err := adapter.Price(pool, req.Amount, req.Direction())
	if err != nil {
		return liquidity.Quote{}, err
	}
	if result == nil || result.Sign() <= 0 {
		return liquidity.Quote{}, liquidity.NewInvariantError(pool.Kind(), liquidity.ErrZeroOutput)
	}

	q := liquidity.Quote{
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Kind:     req.Kind,
		Pool:     pool.ID,
		Block:    block,
	}
	fixed := new(big.Int).Set(req.Amount)
	if req.Kind == liquidity.Sell {
		q.AmountIn, q.AmountOut = fixed, result
	} else {
		q.AmountIn, q.AmountOut = result, fixed
	}
	return q, nil
}
