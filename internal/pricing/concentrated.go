package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing/uniswapv3"
	"github.com/ethereum/go-ethereum/common"
)

const defaultTickWordRadius = 2

// Concentrated is the adapter for Uniswap V3 pools. Each fetch reads the tick bitmap
// words around the current tick, so quotes can walk that window without a Quoter call.
type Concentrated struct {
	name       string
	factory    common.Address
	pools      []common.Address
	feeTiers   []uint32
	wordRadius int
	metadata   cache.Cache
	logger     *observability.Logger
}

type concentratedMetadata struct {
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	FeePips     uint32         `json:"fee_pips"`
	TickSpacing int32          `json:"tick_spacing"`
}

// NewConcentrated creates a Uniswap V3 adapter.
func NewConcentrated(cfg SourceConfig) (*Concentrated, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if cfg.Factory == (common.Address{}) && len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("factory or pools are required")
	}
	if cfg.Factory != (common.Address{}) && len(cfg.FeeTiers) == 0 {
		cfg.FeeTiers = []uint32{100, 500, 3000, 10000}
	}
	if cfg.TickWordRadius <= 0 {
		cfg.TickWordRadius = defaultTickWordRadius
	}

	return &Concentrated{
		name:       cfg.Name,
		factory:    cfg.Factory,
		pools:      cfg.Pools,
		feeTiers:   cfg.FeeTiers,
		wordRadius: cfg.TickWordRadius,
		metadata:   cfg.Metadata,
		logger:     cfg.logger(),
	}, nil
}

func (a *Concentrated) Name() string         { return a.name }
func (a *Concentrated) Kind() liquidity.Kind { return liquidity.KindConcentrated }

// Discover asks the factory for the pair's pool at every configured fee tier and adds
// matching allow-listed pools.
func (a *Concentrated) Discover(ctx context.Context, p chain.Provider, pair liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error) {
	var ids []liquidity.PoolID

	if a.factory != (common.Address{}) {
		calls := make([]contractCall, len(a.feeTiers))
		for i, fee := range a.feeTiers {
			calls[i] = newCall(a.factory, uniswapV3Contract, "getPool", pair.Token0(), pair.Token1(), big.NewInt(int64(fee)))
		}
		out, err := callAll(ctx, p, block, calls...)
		if err != nil {
			return nil, fmt.Errorf("getPool: %w", err)
		}
		for _, values := range out {
			addr, err := output[common.Address](values, 0)
			if err != nil {
				return nil, err
			}
			if addr != (common.Address{}) {
				ids = append(ids, liquidity.NewPoolID(a.name, addr))
			}
		}
	}

	load := func(addr common.Address) (concentratedMetadata, error) { return a.loadMetadata(ctx, p, addr, block) }
	tokens := func(m concentratedMetadata) []common.Address { return []common.Address{m.Token0, m.Token1} }
	for _, id := range allowListed(ctx, a.name, a.pools, pair, load, tokens, a.logger) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FetchState reads slot0, the active liquidity and the initialised ticks within the
// configured bitmap radius at block.
func (a *Concentrated) FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	if err := checkOwner(a, id); err != nil {
		return liquidity.Pool{}, err
	}
	meta, err := a.loadMetadata(ctx, p, id.Address, block)
	if err != nil {
		return liquidity.Pool{}, err
	}
	pair, err := liquidity.NewTokenPair(meta.Token0, meta.Token1)
	if err != nil {
		return liquidity.Pool{}, fmt.Errorf("%w: %v", liquidity.ErrDecode, err)
	}

	out, err := callAll(ctx, p, block,
		newCall(id.Address, uniswapV3Contract, "slot0"),
		newCall(id.Address, uniswapV3Contract, "liquidity"),
	)
	if err != nil {
		return liquidity.Pool{}, err
	}
	sqrtPrice, err := bigOutput(out[0], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	tickValue, err := bigOutput(out[0], 1)
	if err != nil {
		return liquidity.Pool{}, err
	}
	active, err := bigOutput(out[1], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	if !tickValue.IsInt64() || tickValue.Int64() < int64(uniswapv3.MinTick) || tickValue.Int64() > int64(uniswapv3.MaxTick) {
		return liquidity.Pool{}, fmt.Errorf("%w: tick %s out of range", liquidity.ErrDecode, tickValue)
	}
	tick := int32(tickValue.Int64())

	ticks, lower, upper, err := a.fetchTicks(ctx, p, id.Address, tick, meta.TickSpacing, block)
	if err != nil {
		return liquidity.Pool{}, err
	}

	return liquidity.Pool{
		ID:    id,
		Pair:  pair,
		Block: block,
		State: &liquidity.ConcentratedState{
			SqrtPriceX96: sqrtPrice,
			Liquidity:    active,
			Tick:         tick,
			TickSpacing:  meta.TickSpacing,
			FeePips:      meta.FeePips,
			Ticks:        ticks,
			MinTick:      lower,
			MaxTick:      upper,
		},
	}, nil
}

// fetchTicks reads the bitmap words around tick, then liquidityNet of every
// initialised tick they mark. It returns the ticks sorted with the covered range.
func (a *Concentrated) fetchTicks(ctx context.Context, p chain.Provider, pool common.Address, tick, spacing int32, block uint64) ([]liquidity.Tick, int32, int32, error) {
	lo, hi := uniswapv3.WordRange(tick, spacing, a.wordRadius)
	lower, upper := uniswapv3.WordBounds(lo, hi, spacing)

	var wordCalls []contractCall
	for w := int32(lo); w <= int32(hi); w++ {
		wordCalls = append(wordCalls, newCall(pool, uniswapV3Contract, "tickBitmap", int16(w)))
	}
	words, err := callAll(ctx, p, block, wordCalls...)
	if err != nil {
		return nil, 0, 0, err
	}

	var indexes []int32
	for i, values := range words {
		word, err := bigOutput(values, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		indexes = append(indexes, uniswapv3.InitializedTicks(int16(int32(lo)+int32(i)), word, spacing)...)
	}
	if len(indexes) == 0 {
		return nil, lower, upper, nil
	}

	tickCalls := make([]contractCall, len(indexes))
	for i, idx := range indexes {
		tickCalls[i] = newCall(pool, uniswapV3Contract, "ticks", big.NewInt(int64(idx)))
	}
	infos, err := callAll(ctx, p, block, tickCalls...)
	if err != nil {
		return nil, 0, 0, err
	}

	ticks := make([]liquidity.Tick, len(indexes))
	for i, values := range infos {
		net, err := bigOutput(values, 1)
		if err != nil {
			return nil, 0, 0, err
		}
		ticks[i] = liquidity.Tick{Index: indexes[i], LiquidityNet: net}
	}
	return ticks, lower, upper, nil
}

func (a *Concentrated) Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error) {
	return Price(pool, amount, dir)
}

func (a *Concentrated) loadMetadata(ctx context.Context, p chain.Provider, pool common.Address, block uint64) (concentratedMetadata, error) {
	return loadMetadata(ctx, a.metadata, a.logger, metadataKey(a.name, pool), func() (concentratedMetadata, error) {
		out, err := callAll(ctx, p, block,
			newCall(pool, uniswapV3Contract, "token0"),
			newCall(pool, uniswapV3Contract, "token1"),
			newCall(pool, uniswapV3Contract, "fee"),
			newCall(pool, uniswapV3Contract, "tickSpacing"),
		)
		if err != nil {
			return concentratedMetadata{}, err
		}
		t0, err := output[common.Address](out[0], 0)
		if err != nil {
			return concentratedMetadata{}, err
		}
		t1, err := output[common.Address](out[1], 0)
		if err != nil {
			return concentratedMetadata{}, err
		}
		fee, err := bigOutput(out[2], 0)
		if err != nil {
			return concentratedMetadata{}, err
		}
		spacing, err := bigOutput(out[3], 0)
		if err != nil {
			return concentratedMetadata{}, err
		}
		if !fee.IsUint64() || fee.Uint64() >= 1_000_000 || !spacing.IsInt64() || spacing.Int64() <= 0 || spacing.Int64() > 16384 {
			return concentratedMetadata{}, fmt.Errorf("%w: fee %s, tick spacing %s", liquidity.ErrDecode, fee, spacing)
		}
		return concentratedMetadata{
			Token0:      t0,
			Token1:      t1,
			FeePips:     uint32(fee.Uint64()),
			TickSpacing: int32(spacing.Int64()),
		}, nil
	})
}

func priceConcentrated(s *liquidity.ConcentratedState, zeroForOne, exactIn bool, amount *big.Int) (*big.Int, error) {
	kind := liquidity.KindConcentrated
	if !positive(s.SqrtPriceX96) || s.Liquidity == nil || s.Liquidity.Sign() < 0 {
		return nil, invariantError(kind, liquidity.ErrZeroReserves, nil)
	}

	ticks := make([]uniswapv3.Tick, len(s.Ticks))
	for i, t := range s.Ticks {
		ticks[i] = uniswapv3.Tick{Index: t.Index, LiquidityNet: t.LiquidityNet}
	}
	specified := new(big.Int).Set(amount)
	if !exactIn {
		specified.Neg(specified)
	}

	res, err := uniswapv3.Swap(uniswapv3.SwapParams{
		SqrtPriceX96:    s.SqrtPriceX96,
		Liquidity:       s.Liquidity,
		Tick:            s.Tick,
		FeePips:         s.FeePips,
		Ticks:           ticks,
		LowerBound:      s.MinTick,
		UpperBound:      s.MaxTick,
		ZeroForOne:      zeroForOne,
		AmountSpecified: specified,
	})
	if err != nil {
		if errors.Is(err, uniswapv3.ErrInsufficientLiquidity) {
			return nil, invariantError(kind, liquidity.ErrInsufficientLiquidity, err)
		}
		return nil, invariantError(kind, liquidity.ErrOutOfRange, err)
	}

	if exactIn {
		return res.AmountOut, nil
	}
	return res.AmountIn, nil
}
