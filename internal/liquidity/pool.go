package liquidity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names the swap invariant a pool enforces.
type Kind string

const (
	KindConstantProduct Kind = "constant_product"
	KindWeighted        Kind = "weighted"
	KindStableSwap      Kind = "stable_swap"
	KindConcentrated    Kind = "concentrated"
)

// Valid reports whether k is one of the supported invariants.
func (k Kind) Valid() bool {
	switch k {
	case KindConstantProduct, KindWeighted, KindStableSwap, KindConcentrated:
		return true
	}
	return false
}

// PoolID identifies a pool per (adapter, contract address).
type PoolID struct {
	Adapter string
	Address common.Address
}

// NewPoolID builds a PoolID.
func NewPoolID(adapter string, address common.Address) PoolID {
	return PoolID{Adapter: adapter, Address: address}
}

// ParsePoolID parses the "<adapter>:<0xaddress>" text form.
func ParsePoolID(s string) (PoolID, error) {
	adapter, addr, ok := strings.Cut(s, ":")
	if !ok || adapter == "" || !common.IsHexAddress(addr) {
		return PoolID{}, fmt.Errorf("invalid pool id %q", s)
	}
	return PoolID{Adapter: adapter, Address: common.HexToAddress(addr)}, nil
}

// Compare orders ids by adapter name, then by address bytes.
func (id PoolID) Compare(other PoolID) int {
	if c := strings.Compare(id.Adapter, other.Adapter); c != 0 {
		return c
	}
	return bytes.Compare(id.Address.Bytes(), other.Address.Bytes())
}

func (id PoolID) String() string {
	return id.Adapter + ":" + id.Address.Hex()
}

// MarshalText implements encoding.TextMarshaler so ids work as JSON map keys.
func (id PoolID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PoolID) UnmarshalText(text []byte) error {
	parsed, err := ParsePoolID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// State is the invariant-specific part of a pool snapshot. The set of
// implementations is closed; callers switch over the concrete types.
type State interface {
	Kind() Kind
	state()
}

// ConstantProductState is a Uniswap V2 style x*y=k pool. Fees are in basis points.
type ConstantProductState struct {
	Reserve0 *big.Int `json:"reserve0"`
	Reserve1 *big.Int `json:"reserve1"`
	FeeBps   uint32   `json:"fee_bps"`
}

func (*ConstantProductState) Kind() Kind { return KindConstantProduct }
func (*ConstantProductState) state()     {}

// WeightedState is a two-token Balancer weighted pool. Balances are upscaled to 18
// decimals with Scale0/Scale1; weights and fee are 1e18 fixed point.
type WeightedState struct {
	Balance0 *big.Int `json:"balance0"`
	Balance1 *big.Int `json:"balance1"`
	Weight0  *big.Int `json:"weight0"`
	Weight1  *big.Int `json:"weight1"`
	Scale0   *big.Int `json:"scale0"`
	Scale1   *big.Int `json:"scale1"`
	SwapFee  *big.Int `json:"swap_fee"`
}

func (*WeightedState) Kind() Kind { return KindWeighted }
func (*WeightedState) state()     {}

// StableSwapState is a Curve plain pool. Coins, Balances and Multipliers are indexed
// by coin; multipliers lift balances to 18 decimals. Fee uses the 1e10 denominator.
type StableSwapState struct {
	Coins         []common.Address `json:"coins"`
	Balances      []*big.Int       `json:"balances"`
	Multipliers   []*big.Int       `json:"multipliers"`
	Amplification *big.Int         `json:"amplification"`
	Fee           *big.Int         `json:"fee"`
}

// CoinIndex returns the position of token in the pool.
func (s *StableSwapState) CoinIndex(token common.Address) (int, bool) {
	for i, c := range s.Coins {
		if c == token {
			return i, true
		}
	}
	return -1, false
}

func (*StableSwapState) Kind() Kind { return KindStableSwap }
func (*StableSwapState) state()     {}

// Tick is an initialised tick of a concentrated liquidity pool.
type Tick struct {
	Index        int32    `json:"index"`
	LiquidityNet *big.Int `json:"liquidity_net"`
}

// ConcentratedState is a Uniswap V3 pool with the initialised ticks found in a window
// around the current tick. Ticks are sorted by index; MinTick/MaxTick bound the
// window that was inspected.
type ConcentratedState struct {
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Liquidity    *big.Int `json:"liquidity"`
	Tick         int32    `json:"tick"`
	TickSpacing  int32    `json:"tick_spacing"`
	FeePips      uint32   `json:"fee_pips"`
	Ticks        []Tick   `json:"ticks"`
	MinTick      int32    `json:"min_tick"`
	MaxTick      int32    `json:"max_tick"`
}

func (*ConcentratedState) Kind() Kind { return KindConcentrated }
func (*ConcentratedState) state()     {}

// Pool is an immutable snapshot of one pool observed at Block. A newer observation
// replaces the value; snapshots are never mutated in place.
type Pool struct {
	ID    PoolID
	Pair  TokenPair
	Block uint64
	State State
}

// Kind returns the invariant of the pool state.
func (p Pool) Kind() Kind {
	if p.State == nil {
		return ""
	}
	return p.State.Kind()
}

// Serves reports whether the pool trades a against b. Multi-coin pools serve every
// pair of their coins; Pair then holds their first two coins.
func (p Pool) Serves(a, b common.Address) bool {
	if a == b {
		return false
	}
	if s, ok := p.State.(*StableSwapState); ok {
		_, okA := s.CoinIndex(a)
		_, okB := s.CoinIndex(b)
		return okA && okB
	}
	return p.Pair.Contains(a) && p.Pair.Contains(b)
}

// IsZero reports whether p holds no snapshot.
func (p Pool) IsZero() bool {
	return p.State == nil
}

type poolJSON struct {
	ID    PoolID          `json:"id"`
	Kind  Kind            `json:"kind"`
	Pair  TokenPair       `json:"pair"`
	Block uint64          `json:"block"`
	State json.RawMessage `json:"state"`
}

// MarshalJSON encodes the pool with its kind as discriminator.
func (p Pool) MarshalJSON() ([]byte, error) {
	if p.State == nil {
		return nil, fmt.Errorf("pool %s has no state", p.ID)
	}
	state, err := json.Marshal(p.State)
	if err != nil {
		return nil, err
	}
	return json.Marshal(poolJSON{
		ID:    p.ID,
		Kind:  p.State.Kind(),
		Pair:  p.Pair,
		Block: p.Block,
		State: state,
	})
}

// UnmarshalJSON decodes a pool, selecting the state type from its kind.
func (p *Pool) UnmarshalJSON(data []byte) error {
	var raw poolJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var state State
	switch raw.Kind {
	case KindConstantProduct:
		state = &ConstantProductState{}
	case KindWeighted:
		state = &WeightedState{}
	case KindStableSwap:
		state = &StableSwapState{}
	case KindConcentrated:
		state = &ConcentratedState{}
	default:
		return fmt.Errorf("unknown pool kind %q", raw.Kind)
	}
	if err := json.Unmarshal(raw.State, state); err != nil {
		return fmt.Errorf("decode %s state: %w", raw.Kind, err)
	}

	*p = Pool{ID: raw.ID, Pair: raw.Pair, Block: raw.Block, State: state}
	return nil
}
