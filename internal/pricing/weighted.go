package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing/weightedmath"
	"github.com/ethereum/go-ethereum/common"
)

// Weighted is the adapter for two-token Balancer V2 weighted pools.
type Weighted struct {
	name     string
	vault    common.Address
	pools    []common.Address
	metadata cache.Cache
	logger   *observability.Logger
}

// weightedMetadata is the immutable part of a weighted pool, tokens in vault order.
type weightedMetadata struct {
	PoolID   common.Hash      `json:"pool_id"`
	Tokens   []common.Address `json:"tokens"`
	Decimals []uint8          `json:"decimals"`
}

// NewWeighted creates a weighted pool adapter.
func NewWeighted(cfg SourceConfig) (*Weighted, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if cfg.Vault == (common.Address{}) {
		return nil, fmt.Errorf("vault address is required")
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("pools are required")
	}

	return &Weighted{
		name:     cfg.Name,
		vault:    cfg.Vault,
		pools:    cfg.Pools,
		metadata: cfg.Metadata,
		logger:   cfg.logger(),
	}, nil
}

func (a *Weighted) Name() string         { return a.name }
func (a *Weighted) Kind() liquidity.Kind { return liquidity.KindWeighted }

// Discover returns the allow-listed pools holding both tokens of pair.
func (a *Weighted) Discover(ctx context.Context, p chain.Provider, pair liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error) {
	load := func(addr common.Address) (weightedMetadata, error) { return a.loadMetadata(ctx, p, addr, block) }
	tokens := func(m weightedMetadata) []common.Address { return m.Tokens }
	return allowListed(ctx, a.name, a.pools, pair, load, tokens, a.logger), nil
}

// FetchState reads balances, normalized weights and the swap fee at block.
func (a *Weighted) FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	if err := checkOwner(a, id); err != nil {
		return liquidity.Pool{}, err
	}
	meta, err := a.loadMetadata(ctx, p, id.Address, block)
	if err != nil {
		return liquidity.Pool{}, err
	}

	out, err := callAll(ctx, p, block,
		newCall(a.vault, balancerContract, "getPoolTokens", [32]byte(meta.PoolID)),
		newCall(id.Address, balancerContract, "getNormalizedWeights"),
		newCall(id.Address, balancerContract, "getSwapFeePercentage"),
	)
	if err != nil {
		return liquidity.Pool{}, err
	}
	balances, err := output[[]*big.Int](out[0], 1)
	if err != nil {
		return liquidity.Pool{}, err
	}
	weights, err := output[[]*big.Int](out[1], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	swapFee, err := bigOutput(out[2], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	if len(balances) != 2 || len(weights) != 2 {
		return liquidity.Pool{}, fmt.Errorf("%w: expected 2 balances and weights, got %d and %d", liquidity.ErrDecode, len(balances), len(weights))
	}

	pair, err := liquidity.NewTokenPair(meta.Tokens[0], meta.Tokens[1])
	if err != nil {
		return liquidity.Pool{}, fmt.Errorf("%w: %v", liquidity.ErrDecode, err)
	}
	i0, i1 := 0, 1
	if meta.Tokens[0] != pair.Token0() {
		i0, i1 = 1, 0
	}
	scale0 := weightedmath.ScalingFactor(meta.Decimals[i0])
	scale1 := weightedmath.ScalingFactor(meta.Decimals[i1])

	return liquidity.Pool{
		ID:    id,
		Pair:  pair,
		Block: block,
		State: &liquidity.WeightedState{
			Balance0: weightedmath.Upscale(balances[i0], scale0),
			Balance1: weightedmath.Upscale(balances[i1], scale1),
			Weight0:  new(big.Int).Set(weights[i0]),
			Weight1:  new(big.Int).Set(weights[i1]),
			Scale0:   scale0,
			Scale1:   scale1,
			SwapFee:  swapFee,
		},
	}, nil
}

func (a *Weighted) Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error) {
	return Price(pool, amount, dir)
}

func (a *Weighted) loadMetadata(ctx context.Context, p chain.Provider, pool common.Address, block uint64) (weightedMetadata, error) {
	return loadMetadata(ctx, a.metadata, a.logger, metadataKey(a.name, pool), func() (weightedMetadata, error) {
		out, err := callAll(ctx, p, block, newCall(pool, balancerContract, "getPoolId"))
		if err != nil {
			return weightedMetadata{}, err
		}
		poolID, err := output[[32]byte](out[0], 0)
		if err != nil {
			return weightedMetadata{}, err
		}

		out, err = callAll(ctx, p, block, newCall(a.vault, balancerContract, "getPoolTokens", poolID))
		if err != nil {
			return weightedMetadata{}, err
		}
		tokens, err := output[[]common.Address](out[0], 0)
		if err != nil {
			return weightedMetadata{}, err
		}
		if len(tokens) != 2 {
			return weightedMetadata{}, fmt.Errorf("weighted pool %s has %d tokens, only two-token pools are supported", pool.Hex(), len(tokens))
		}

		decimals, err := tokenDecimals(ctx, p, block, tokens)
		if err != nil {
			return weightedMetadata{}, err
		}
		return weightedMetadata{PoolID: common.Hash(poolID), Tokens: tokens, Decimals: decimals}, nil
	})
}

// tokenDecimals reads decimals() of every token, rejecting tokens above 18 decimals.
func tokenDecimals(ctx context.Context, p chain.Provider, block uint64, tokens []common.Address) ([]uint8, error) {
	calls := make([]contractCall, len(tokens))
	for i, t := range tokens {
		calls[i] = newCall(t, erc20Contract, "decimals")
	}
	out, err := callAll(ctx, p, block, calls...)
	if err != nil {
		return nil, err
	}
	decimals := make([]uint8, len(tokens))
	for i := range out {
		d, err := output[uint8](out[i], 0)
		if err != nil {
			return nil, err
		}
		if d > 18 {
			return nil, fmt.Errorf("token %s has %d decimals", tokens[i].Hex(), d)
		}
		decimals[i] = d
	}
	return decimals, nil
}

// priceWeighted follows Balancer's BaseMinimalSwapInfoPool: the fee comes off a raw
// exact input before upscaling, and is added to a downscaled exact-out input.
func priceWeighted(s *liquidity.WeightedState, zeroForOne, exactIn bool, amount *big.Int) (*big.Int, error) {
	kind := liquidity.KindWeighted
	balanceIn, weightIn, scaleIn := s.Balance0, s.Weight0, s.Scale0
	balanceOut, weightOut, scaleOut := s.Balance1, s.Weight1, s.Scale1
	if !zeroForOne {
		balanceIn, weightIn, scaleIn, balanceOut, weightOut, scaleOut = balanceOut, weightOut, scaleOut, balanceIn, weightIn, scaleIn
	}
	if !positive(balanceIn, balanceOut) {
		return nil, invariantError(kind, liquidity.ErrZeroReserves, nil)
	}
	if !positive(weightIn, weightOut, scaleIn, scaleOut) || s.SwapFee == nil || s.SwapFee.Sign() < 0 || s.SwapFee.Cmp(weightedmath.One) >= 0 {
		return nil, invariantError(kind, liquidity.ErrOutOfRange, errors.New("malformed weights, scales or fee"))
	}

	if exactIn {
		net := weightedmath.SubtractSwapFee(amount, s.SwapFee)
		out, err := weightedmath.CalcOutGivenIn(balanceIn, weightIn, balanceOut, weightOut, weightedmath.Upscale(net, scaleIn))
		if err != nil {
			return nil, weightedError(err)
		}
		out, err = weightedmath.DownscaleDown(out, scaleOut)
		if err != nil {
			return nil, weightedError(err)
		}
		return out, nil
	}

	in, err := weightedmath.CalcInGivenOut(balanceIn, weightIn, balanceOut, weightOut, weightedmath.Upscale(amount, scaleOut))
	if err != nil {
		return nil, weightedError(err)
	}
	in, err = weightedmath.DownscaleUp(in, scaleIn)
	if err != nil {
		return nil, weightedError(err)
	}
	in, err = weightedmath.AddSwapFee(in, s.SwapFee)
	if err != nil {
		return nil, weightedError(err)
	}
	return in, nil
}

func weightedError(err error) error {
	if errors.Is(err, weightedmath.ErrMaxInRatio) || errors.Is(err, weightedmath.ErrMaxOutRatio) {
		return invariantError(liquidity.KindWeighted, liquidity.ErrInsufficientLiquidity, err)
	}
	return invariantError(liquidity.KindWeighted, liquidity.ErrOutOfRange, err)
}
