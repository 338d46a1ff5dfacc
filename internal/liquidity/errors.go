package liquidity

import (
	"errors"
	"fmt"
)

var (
	// ErrSameToken is returned when a pair or request names the same token twice.
	ErrSameToken = errors.New("liquidity: tokens must differ")

	// ErrTokenNotInPair is returned when a pool does not serve a requested token.
	ErrTokenNotInPair = errors.New("liquidity: token not in pair")

	// ErrInvalidAmount is returned for nil, zero or negative trade amounts.
	ErrInvalidAmount = errors.New("liquidity: amount must be positive")

	// ErrBlockMismatch is returned when a snapshot was observed at another block.
	ErrBlockMismatch = errors.New("liquidity: pool snapshot block mismatch")

	// ErrUnknownAdapter is returned when no adapter is registered for a pool.
	ErrUnknownAdapter = errors.New("liquidity: unknown adapter")

	// ErrDecode is returned when an on-chain response cannot be decoded.
	ErrDecode = errors.New("liquidity: malformed on-chain response")

	// ErrFetchTimeout marks a fetch that did not complete within its deadline.
	ErrFetchTimeout = errors.New("liquidity: fetch timed out")

	// ErrInvariant matches every *InvariantError.
	ErrInvariant = errors.New("liquidity: invariant violation")

	// ErrNoLiquidity matches every *NoLiquidityError.
	ErrNoLiquidity = errors.New("liquidity: no liquidity")
)

// Reasons carried by InvariantError.
var (
	ErrZeroReserves          = errors.New("zero reserves")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOutOfRange            = errors.New("value out of representable range")
	ErrZeroOutput            = errors.New("trade produces no output")
)

// ProviderError is a transport or RPC failure reported by the on-chain state provider.
// The core never retries it; it surfaces per fetch.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FetchError is the per-pool outcome of a failed state fetch.
type FetchError struct {
	Pool  PoolID
	Block uint64
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s at block %d: %v", e.Pool, e.Block, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because its deadline passed.
func (e *FetchError) Timeout() bool {
	return errors.Is(e.Err, ErrFetchTimeout)
}

// NewTimeoutError builds the FetchError returned when a fetch exceeds its deadline.
func NewTimeoutError(id PoolID, block uint64, cause error) *FetchError {
	if cause == nil {
		return &FetchError{Pool: id, Block: block, Err: ErrFetchTimeout}
	}
	return &FetchError{Pool: id, Block: block, Err: fmt.Errorf("%w: %v", ErrFetchTimeout, cause)}
}

// InvariantError means the pool state is logically inconsistent or the trade is
// infeasible under the pool's invariant. The pool is excluded from aggregation.
type InvariantError struct {
	Kind Kind
	Err  error
}

// NewInvariantError wraps reason for a pool of the given kind.
func NewInvariantError(kind Kind, reason error) *InvariantError {
	return &InvariantError{Kind: kind, Err: reason}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant error (%s): %v", e.Kind, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Is makes every InvariantError match ErrInvariant.
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

// NoLiquidityError is the normal result of a request for which every candidate pool
// failed to fetch or was invariant-invalid.
type NoLiquidityError struct {
	Pair       TokenPair
	Block      uint64
	Candidates int
	Failures   map[PoolID]error
}

func (e *NoLiquidityError) Error() string {
	return fmt.Sprintf("no liquidity for %s at block %d (%d candidates)", e.Pair, e.Block, e.Candidates)
}

// Is makes every NoLiquidityError match ErrNoLiquidity.
func (e *NoLiquidityError) Is(target error) bool {
	return target == ErrNoLiquidity
}

// IsTimeout reports whether err is a fetch timeout.
func IsTimeout(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Timeout()
	}
	return errors.Is(err, ErrFetchTimeout)
}
