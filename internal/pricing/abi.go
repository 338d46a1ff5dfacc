package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Uniswap V2 factory and pair methods
const uniswapV2ABI = `[
	{"inputs": [{"name": "tokenA", "type": "address"}, {"name": "tokenB", "type": "address"}], "name": "getPair", "outputs": [{"name": "pair", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token0", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token1", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "getReserves", "outputs": [
		{"name": "reserve0", "type": "uint112"},
		{"name": "reserve1", "type": "uint112"},
		{"name": "blockTimestampLast", "type": "uint32"}
	], "stateMutability": "view", "type": "function"}
]`

// Uniswap V3 factory and pool methods
const uniswapV3ABI = `[
	{"inputs": [{"name": "tokenA", "type": "address"}, {"name": "tokenB", "type": "address"}, {"name": "fee", "type": "uint24"}], "name": "getPool", "outputs": [{"name": "pool", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token0", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "token1", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "fee", "outputs": [{"name": "", "type": "uint24"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "tickSpacing", "outputs": [{"name": "", "type": "int24"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "slot0", "outputs": [
		{"name": "sqrtPriceX96", "type": "uint160"},
		{"name": "tick", "type": "int24"},
		{"name": "observationIndex", "type": "uint16"},
		{"name": "observationCardinality", "type": "uint16"},
		{"name": "observationCardinalityNext", "type": "uint16"},
		{"name": "feeProtocol", "type": "uint8"},
		{"name": "unlocked", "type": "bool"}
	], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "liquidity", "outputs": [{"name": "", "type": "uint128"}], "stateMutability": "view", "type": "function"},
	{"inputs": [{"name": "wordPosition", "type": "int16"}], "name": "tickBitmap", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"inputs": [{"name": "tick", "type": "int24"}], "name": "ticks", "outputs": [
		{"name": "liquidityGross", "type": "uint128"},
		{"name": "liquidityNet", "type": "int128"},
		{"name": "feeGrowthOutside0X128", "type": "uint256"},
		{"name": "feeGrowthOutside1X128", "type": "uint256"},
		{"name": "tickCumulativeOutside", "type": "int56"},
		{"name": "secondsPerLiquidityOutsideX128", "type": "uint160"},
		{"name": "secondsOutside", "type": "uint32"},
		{"name": "initialized", "type": "bool"}
	], "stateMutability": "view", "type": "function"}
]`

// Balancer V2 vault and weighted pool methods
const balancerABI = `[
	{"inputs": [], "name": "getPoolId", "outputs": [{"name": "", "type": "bytes32"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "getNormalizedWeights", "outputs": [{"name": "", "type": "uint256[]"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "getSwapFeePercentage", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"inputs": [{"name": "poolId", "type": "bytes32"}], "name": "getPoolTokens", "outputs": [
		{"name": "tokens", "type": "address[]"},
		{"name": "balances", "type": "uint256[]"},
		{"name": "lastChangeBlock", "type": "uint256"}
	], "stateMutability": "view", "type": "function"}
]`

// Curve plain pool methods
const curveABI = `[
	{"inputs": [{"name": "i", "type": "uint256"}], "name": "coins", "outputs": [{"name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [{"name": "i", "type": "uint256"}], "name": "balances", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "A", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "fee", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

const erc20ABI = `[
	{"inputs": [], "name": "decimals", "outputs": [{"name": "", "type": "uint8"}], "stateMutability": "view", "type": "function"}
]`

var (
	uniswapV2Contract = mustABI(uniswapV2ABI)
	uniswapV3Contract = mustABI(uniswapV3ABI)
	balancerContract  = mustABI(balancerABI)
	curveContract     = mustABI(curveABI)
	erc20Contract     = mustABI(erc20ABI)
)

// mustABI parses a compile-time ABI definition.
func mustABI(def string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("pricing: invalid ABI: %v", err))
	}
	return &parsed
}

// contractCall is one view call together with the ABI needed to decode it.
type contractCall struct {
	to     common.Address
	abi    *abi.ABI
	method string
	args   []any
}

func newCall(to common.Address, contract *abi.ABI, method string, args ...any) contractCall {
	return contractCall{to: to, abi: contract, method: method, args: args}
}

// callResult holds the decoded outputs of one call, or the error it failed with.
type callResult struct {
	values []any
	err    error
}

// callEach executes calls at block in one round trip when the provider batches and
// decodes every result. Transport failures fail the whole set; reverts and malformed
// results are reported per call.
func callEach(ctx context.Context, p chain.Provider, block uint64, calls ...contractCall) ([]callResult, error) {
	raw := make([]chain.Call, len(calls))
	for i, c := range calls {
		data, err := c.abi.Pack(c.method, c.args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", c.method, err)
		}
		raw[i] = chain.Call{To: c.to, Data: data}
	}

	results, err := chain.CallMany(ctx, p, raw, block)
	if err != nil {
		return nil, &liquidity.ProviderError{Op: "eth_call", Err: err}
	}
	if len(results) != len(calls) {
		return nil, &liquidity.ProviderError{Op: "eth_call", Err: fmt.Errorf("got %d results for %d calls", len(results), len(calls))}
	}

	out := make([]callResult, len(calls))
	for i, r := range results {
		if r.Err != nil {
			out[i].err = &liquidity.ProviderError{Op: calls[i].method, Err: r.Err}
			continue
		}
		values, err := calls[i].abi.Unpack(calls[i].method, r.Data)
		if err != nil {
			out[i].err = fmt.Errorf("%w: %s: %v", liquidity.ErrDecode, calls[i].method, err)
			continue
		}
		out[i].values = values
	}
	return out, nil
}

// callAll is callEach where any failed call fails the set.
func callAll(ctx context.Context, p chain.Provider, block uint64, calls ...contractCall) ([][]any, error) {
	results, err := callEach(ctx, p, block, calls...)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(results))
	for i, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out[i] = r.values
	}
	return out, nil
}

// output extracts the i-th output of a decoded call as T.
func output[T any](values []any, i int) (T, error) {
	var zero T
	if i >= len(values) {
		return zero, fmt.Errorf("%w: missing output %d", liquidity.ErrDecode, i)
	}
	v, ok := values[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: output %d is %T, want %T", liquidity.ErrDecode, i, values[i], zero)
	}
	return v, nil
}

// bigOutput extracts a numeric output, copying it so snapshots never share memory
// with the decoder.
func bigOutput(values []any, i int) (*big.Int, error) {
	v, err := output[*big.Int](values, i)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: nil output %d", liquidity.ErrDecode, i)
	}
	return new(big.Int).Set(v), nil
}

// Pool metadata never changes for a deployed contract.
const metadataTTL time.Duration = 0

// loadMetadata returns the metadata cached under key, calling fetch and caching its
// result on a miss. Cache failures only cost an extra fetch.
func loadMetadata[T any](ctx context.Context, store cache.Cache, logger *observability.Logger, key string, fetch func() (T, error)) (T, error) {
	if store != nil {
		v, err := cache.GetAs[T](ctx, store, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			logger.LogWarn(ctx, "metadata cache read failed", "key", key, "error", err)
		}
	}

	v, err := fetch()
	if err != nil {
		return v, err
	}
	if store != nil {
		if err := store.Set(ctx, key, v, metadataTTL); err != nil {
			logger.LogWarn(ctx, "metadata cache write failed", "key", key, "error", err)
		}
	}
	return v, nil
}

func metadataKey(adapter string, pool common.Address) string {
	return "meta:" + adapter + ":" + strings.ToLower(pool.Hex())
}
