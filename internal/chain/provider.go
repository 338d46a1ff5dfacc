// Package chain reads on-chain state: the Provider interface consumed by liquidity
// adapters, a multi-endpoint JSON-RPC client pool that implements it, and a head
// tracker that follows new blocks.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Provider answers read-only contract calls at an explicit block. Implementations
// must be safe for concurrent use.
type Provider interface {
	// CurrentBlock returns the latest block number known to the provider.
	CurrentBlock(ctx context.Context) (uint64, error)
	// Call executes eth_call against to with data at block and returns the raw result.
	Call(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error)
}

// Call is one eth_call of a batch.
type Call struct {
	To   common.Address
	Data []byte
}

// CallResult is the outcome of one batched call. Err holds per-call failures such as
// reverts; transport failures fail the whole batch instead.
type CallResult struct {
	Data []byte
	Err  error
}

// BatchCaller is implemented by providers that can send several calls in one round trip.
type BatchCaller interface {
	BatchCall(ctx context.Context, calls []Call, block uint64) ([]CallResult, error)
}

// BlockNumberer reports the current block.
type BlockNumberer interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// maxParallelCalls bounds CallMany when the provider has no batch support.
const maxParallelCalls = 8

// CallMany executes calls at block, in one batch when p implements BatchCaller and
// otherwise concurrently. Results are in call order.
func CallMany(ctx context.Context, p Provider, calls []Call, block uint64) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if bc, ok := p.(BatchCaller); ok {
		return bc.BatchCall(ctx, calls, block)
	}

	results := make([]CallResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCalls)
	for i, c := range calls {
		g.Go(func() error {
			data, err := p.Call(gctx, c.To, c.Data, block)
			results[i] = CallResult{Data: data, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
