package pricing

import (
	"context"
	"fmt"
	"math/big"
	"slices"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/ethereum/go-ethereum/common"
)

const (
	bpsDenominator = 10_000
	defaultFeeBps  = 30
)

var bigBps = big.NewInt(bpsDenominator)

// ConstantProduct is the adapter for Uniswap V2 style x*y=k pools.
type ConstantProduct struct {
	name     string
	factory  common.Address
	pools    []common.Address
	feeBps   uint32
	metadata cache.Cache
	logger   *observability.Logger
}

// pairMetadata is the immutable part of a Uniswap V2 pair.
type pairMetadata struct {
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
}

// NewConstantProduct creates a constant product adapter.
func NewConstantProduct(cfg SourceConfig) (*ConstantProduct, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if cfg.Factory == (common.Address{}) && len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("factory or pools are required")
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = defaultFeeBps
	}
	if cfg.FeeBps >= bpsDenominator {
		return nil, fmt.Errorf("fee %d bps out of range", cfg.FeeBps)
	}

	return &ConstantProduct{
		name:     cfg.Name,
		factory:  cfg.Factory,
		pools:    cfg.Pools,
		feeBps:   cfg.FeeBps,
		metadata: cfg.Metadata,
		logger:   cfg.logger(),
	}, nil
}

func (a *ConstantProduct) Name() string         { return a.name }
func (a *ConstantProduct) Kind() liquidity.Kind { return liquidity.KindConstantProduct }

// Discover asks the factory for the pair's pool and adds matching allow-listed pools.
func (a *ConstantProduct) Discover(ctx context.Context, p chain.Provider, pair liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error) {
	var ids []liquidity.PoolID

	if a.factory != (common.Address{}) {
		out, err := callAll(ctx, p, block, newCall(a.factory, uniswapV2Contract, "getPair", pair.Token0(), pair.Token1()))
		if err != nil {
			return nil, fmt.Errorf("getPair: %w", err)
		}
		addr, err := output[common.Address](out[0], 0)
		if err != nil {
			return nil, err
		}
		if addr != (common.Address{}) {
			ids = append(ids, liquidity.NewPoolID(a.name, addr))
		}
	}

	load := func(addr common.Address) (pairMetadata, error) { return a.loadMetadata(ctx, p, addr, block) }
	tokens := func(m pairMetadata) []common.Address { return []common.Address{m.Token0, m.Token1} }
	for _, id := range allowListed(ctx, a.name, a.pools, pair, load, tokens, a.logger) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FetchState reads the pair's reserves at block.
func (a *ConstantProduct) FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
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

	out, err := callAll(ctx, p, block, newCall(id.Address, uniswapV2Contract, "getReserves"))
	if err != nil {
		return liquidity.Pool{}, err
	}
	r0, err := bigOutput(out[0], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	r1, err := bigOutput(out[0], 1)
	if err != nil {
		return liquidity.Pool{}, err
	}

	// token0 of a V2 pair is always the lower address, so reserves line up with Pair.
	return liquidity.Pool{
		ID:    id,
		Pair:  pair,
		Block: block,
		State: &liquidity.ConstantProductState{Reserve0: r0, Reserve1: r1, FeeBps: a.feeBps},
	}, nil
}

func (a *ConstantProduct) Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error) {
	return Price(pool, amount, dir)
}

func (a *ConstantProduct) loadMetadata(ctx context.Context, p chain.Provider, pool common.Address, block uint64) (pairMetadata, error) {
	return loadMetadata(ctx, a.metadata, a.logger, metadataKey(a.name, pool), func() (pairMetadata, error) {
		out, err := callAll(ctx, p, block,
			newCall(pool, uniswapV2Contract, "token0"),
			newCall(pool, uniswapV2Contract, "token1"),
		)
		if err != nil {
			return pairMetadata{}, err
		}
		t0, err := output[common.Address](out[0], 0)
		if err != nil {
			return pairMetadata{}, err
		}
		t1, err := output[common.Address](out[1], 0)
		if err != nil {
			return pairMetadata{}, err
		}
		return pairMetadata{Token0: t0, Token1: t1}, nil
	})
}

// priceConstantProduct applies the Uniswap V2 router formulas, fee taken from the
// input before the invariant, all divisions flooring:
//
//	out = rOut*in*(10000-fee) / (rIn*10000 + in*(10000-fee))
//	in  = rIn*out*10000 / ((rOut-out)*(10000-fee)) + 1
func priceConstantProduct(s *liquidity.ConstantProductState, zeroForOne, exactIn bool, amount *big.Int) (*big.Int, error) {
	kind := liquidity.KindConstantProduct
	reserveIn, reserveOut := s.Reserve0, s.Reserve1
	if !zeroForOne {
		reserveIn, reserveOut = s.Reserve1, s.Reserve0
	}
	if !positive(reserveIn, reserveOut) {
		return nil, invariantError(kind, liquidity.ErrZeroReserves, nil)
	}
	if s.FeeBps >= bpsDenominator {
		return nil, invariantError(kind, liquidity.ErrOutOfRange, fmt.Errorf("fee %d bps", s.FeeBps))
	}
	feeComplement := big.NewInt(int64(bpsDenominator - s.FeeBps))

	if exactIn {
		amountInWithFee := new(big.Int).Mul(amount, feeComplement)
		numerator := new(big.Int).Mul(amountInWithFee, reserveOut)
		denominator := new(big.Int).Mul(reserveIn, bigBps)
		denominator.Add(denominator, amountInWithFee)
		return numerator.Quo(numerator, denominator), nil
	}

	if amount.Cmp(reserveOut) >= 0 {
		return nil, invariantError(kind, liquidity.ErrInsufficientLiquidity, nil)
	}
	numerator := new(big.Int).Mul(reserveIn, amount)
	numerator.Mul(numerator, bigBps)
	denominator := new(big.Int).Sub(reserveOut, amount)
	denominator.Mul(denominator, feeComplement)
	numerator.Quo(numerator, denominator)
	return numerator.Add(numerator, big.NewInt(1)), nil
}
