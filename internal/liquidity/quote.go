package liquidity

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderKind says which side of a trade is fixed.
type OrderKind string

const (
	// Sell fixes the input amount and asks for the output.
	Sell OrderKind = "sell"
	// Buy fixes the output amount and asks for the required input.
	Buy OrderKind = "buy"
)

// ParseOrderKind accepts "sell" and "buy".
func ParseOrderKind(s string) (OrderKind, error) {
	switch OrderKind(s) {
	case Sell, Buy:
		return OrderKind(s), nil
	}
	return "", fmt.Errorf("unknown order kind %q", s)
}

// Direction is the trade direction and fixed side handed to the pricing functions.
type Direction struct {
	TokenIn  common.Address
	TokenOut common.Address
	Kind     OrderKind
}

// Request asks for the best price of Amount between two tokens.
type Request struct {
	TokenIn  common.Address
	TokenOut common.Address
	Amount   *big.Int
	Kind     OrderKind
}

// Pair returns the canonical pair the request trades on.
func (r Request) Pair() (TokenPair, error) {
	return NewTokenPair(r.TokenIn, r.TokenOut)
}

// Direction returns the trade direction of the request.
func (r Request) Direction() Direction {
	return Direction{TokenIn: r.TokenIn, TokenOut: r.TokenOut, Kind: r.Kind}
}

// Validate checks the request shape without looking at any pool.
func (r Request) Validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if r.TokenIn == r.TokenOut {
		return ErrSameToken
	}
	if r.Kind != Sell && r.Kind != Buy {
		return fmt.Errorf("unknown order kind %q", r.Kind)
	}
	return nil
}

// Quote is the result of pricing a request against one pool at one block.
type Quote struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Kind      OrderKind
	AmountIn  *big.Int
	AmountOut *big.Int
	Pool      PoolID
	Block     uint64
}

// Result returns the computed side: the output for sells, the input for buys.
func (q Quote) Result() *big.Int {
	if q.Kind == Buy {
		return q.AmountIn
	}
	return q.AmountOut
}

// Better reports whether q beats other for the same request. Sells prefer more
// output, buys prefer less input, ties go to the lower pool id.
func (q Quote) Better(other Quote) bool {
	c := q.Result().Cmp(other.Result())
	if q.Kind == Buy {
		c = -c
	}
	if c != 0 {
		return c > 0
	}
	return q.Pool.Compare(other.Pool) < 0
}

type quoteJSON struct {
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	Kind      OrderKind      `json:"kind"`
	AmountIn  string         `json:"amount_in"`
	AmountOut string         `json:"amount_out"`
	Pool      PoolID         `json:"pool"`
	Block     uint64         `json:"block"`
}

// MarshalJSON encodes amounts as decimal strings.
func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(quoteJSON{
		TokenIn:   q.TokenIn,
		TokenOut:  q.TokenOut,
		Kind:      q.Kind,
		AmountIn:  decimalString(q.AmountIn),
		AmountOut: decimalString(q.AmountOut),
		Pool:      q.Pool,
		Block:     q.Block,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (q *Quote) UnmarshalJSON(data []byte) error {
	var raw quoteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	in, ok := new(big.Int).SetString(raw.AmountIn, 10)
	if !ok {
		return fmt.Errorf("invalid amount_in %q", raw.AmountIn)
	}
	out, ok := new(big.Int).SetString(raw.AmountOut, 10)
	if !ok {
		return fmt.Errorf("invalid amount_out %q", raw.AmountOut)
	}
	*q = Quote{
		TokenIn:   raw.TokenIn,
		TokenOut:  raw.TokenOut,
		Kind:      raw.Kind,
		AmountIn:  in,
		AmountOut: out,
		Pool:      raw.Pool,
		Block:     raw.Block,
	}
	return nil
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
