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
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing/stablemath"
	"github.com/ethereum/go-ethereum/common"
)

// maxCurveCoins is the largest coin count of a Curve plain pool.
const maxCurveCoins = 8

// nativeToken is the placeholder Curve uses for ether.
var nativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// StableSwap is the adapter for Curve plain pools.
type StableSwap struct {
	name     string
	pools    []common.Address
	metadata cache.Cache
	logger   *observability.Logger
}

type stableMetadata struct {
	Coins    []common.Address `json:"coins"`
	Decimals []uint8          `json:"decimals"`
}

// NewStableSwap creates a stable swap adapter.
func NewStableSwap(cfg SourceConfig) (*StableSwap, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("pools are required")
	}

	return &StableSwap{
		name:     cfg.Name,
		pools:    cfg.Pools,
		metadata: cfg.Metadata,
		logger:   cfg.logger(),
	}, nil
}

func (a *StableSwap) Name() string         { return a.name }
func (a *StableSwap) Kind() liquidity.Kind { return liquidity.KindStableSwap }

// Discover returns the allow-listed pools holding both tokens of pair.
func (a *StableSwap) Discover(ctx context.Context, p chain.Provider, pair liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error) {
	load := func(addr common.Address) (stableMetadata, error) { return a.loadMetadata(ctx, p, addr, block) }
	tokens := func(m stableMetadata) []common.Address { return m.Coins }
	return allowListed(ctx, a.name, a.pools, pair, load, tokens, a.logger), nil
}

// FetchState reads every coin balance, the amplification and the fee at block.
func (a *StableSwap) FetchState(ctx context.Context, p chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	if err := checkOwner(a, id); err != nil {
		return liquidity.Pool{}, err
	}
	meta, err := a.loadMetadata(ctx, p, id.Address, block)
	if err != nil {
		return liquidity.Pool{}, err
	}
	n := len(meta.Coins)

	calls := make([]contractCall, 0, n+2)
	for i := range n {
		calls = append(calls, newCall(id.Address, curveContract, "balances", big.NewInt(int64(i))))
	}
	calls = append(calls,
		newCall(id.Address, curveContract, "A"),
		newCall(id.Address, curveContract, "fee"),
	)
	out, err := callAll(ctx, p, block, calls...)
	if err != nil {
		return liquidity.Pool{}, err
	}

	balances := make([]*big.Int, n)
	multipliers := make([]*big.Int, n)
	for i := range n {
		if balances[i], err = bigOutput(out[i], 0); err != nil {
			return liquidity.Pool{}, err
		}
		mult, ok := stablemath.Multiplier(meta.Decimals[i])
		if !ok {
			return liquidity.Pool{}, fmt.Errorf("%w: coin %d has %d decimals", liquidity.ErrDecode, i, meta.Decimals[i])
		}
		multipliers[i] = mult
	}
	amp, err := bigOutput(out[n], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}
	fee, err := bigOutput(out[n+1], 0)
	if err != nil {
		return liquidity.Pool{}, err
	}

	pair, err := liquidity.NewTokenPair(meta.Coins[0], meta.Coins[1])
	if err != nil {
		return liquidity.Pool{}, fmt.Errorf("%w: %v", liquidity.ErrDecode, err)
	}
	return liquidity.Pool{
		ID:    id,
		Pair:  pair,
		Block: block,
		State: &liquidity.StableSwapState{
			Coins:         meta.Coins,
			Balances:      balances,
			Multipliers:   multipliers,
			Amplification: amp,
			Fee:           fee,
		},
	}, nil
}

func (a *StableSwap) Price(pool liquidity.Pool, amount *big.Int, dir liquidity.Direction) (*big.Int, error) {
	return Price(pool, amount, dir)
}

// loadMetadata probes coins(i) until the pool reverts, then reads each coin's decimals.
func (a *StableSwap) loadMetadata(ctx context.Context, p chain.Provider, pool common.Address, block uint64) (stableMetadata, error) {
	return loadMetadata(ctx, a.metadata, a.logger, metadataKey(a.name, pool), func() (stableMetadata, error) {
		calls := make([]contractCall, maxCurveCoins)
		for i := range calls {
			calls[i] = newCall(pool, curveContract, "coins", big.NewInt(int64(i)))
		}
		results, err := callEach(ctx, p, block, calls...)
		if err != nil {
			return stableMetadata{}, err
		}

		var coins []common.Address
		for _, r := range results {
			if r.err != nil {
				break
			}
			coin, err := output[common.Address](r.values, 0)
			if err != nil {
				return stableMetadata{}, err
			}
			coins = append(coins, coin)
		}
		if len(coins) < 2 {
			return stableMetadata{}, fmt.Errorf("%w: curve pool %s lists %d coins", liquidity.ErrDecode, pool.Hex(), len(coins))
		}

		var erc20s []common.Address
		for _, c := range coins {
			if c != nativeToken {
				erc20s = append(erc20s, c)
			}
		}
		erc20Decimals, err := tokenDecimals(ctx, p, block, erc20s)
		if err != nil {
			return stableMetadata{}, err
		}

		decimals := make([]uint8, len(coins))
		k := 0
		for i, c := range coins {
			if c == nativeToken {
				decimals[i] = 18
				continue
			}
			decimals[i] = erc20Decimals[k]
			k++
		}
		return stableMetadata{Coins: coins, Decimals: decimals}, nil
	})
}

func priceStableSwap(s *liquidity.StableSwapState, dir liquidity.Direction, amount *big.Int) (*big.Int, error) {
	kind := liquidity.KindStableSwap
	i, okIn := s.CoinIndex(dir.TokenIn)
	j, okOut := s.CoinIndex(dir.TokenOut)
	if !okIn || !okOut {
		return nil, liquidity.ErrTokenNotInPair
	}
	if len(s.Balances) != len(s.Coins) || len(s.Multipliers) != len(s.Coins) || !positive(s.Amplification) || s.Fee == nil {
		return nil, invariantError(kind, liquidity.ErrOutOfRange, errors.New("malformed stable swap state"))
	}
	if !positive(s.Balances...) {
		return nil, invariantError(kind, liquidity.ErrZeroReserves, nil)
	}

	var (
		result *big.Int
		err    error
	)
	if dir.Kind == liquidity.Sell {
		result, err = stablemath.GetDy(i, j, amount, s.Balances, s.Multipliers, s.Amplification, s.Fee)
	} else {
		result, err = stablemath.GetDx(i, j, amount, s.Balances, s.Multipliers, s.Amplification, s.Fee)
	}
	if err != nil {
		switch {
		case errors.Is(err, stablemath.ErrInsufficientLiquidity):
			return nil, invariantError(kind, liquidity.ErrInsufficientLiquidity, err)
		case errors.Is(err, stablemath.ErrZeroBalance):
			return nil, invariantError(kind, liquidity.ErrZeroReserves, err)
		default:
			return nil, invariantError(kind, liquidity.ErrOutOfRange, err)
		}
	}
	return result, nil
}
