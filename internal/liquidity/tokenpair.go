// Package liquidity holds the types shared by every liquidity source: token pairs,
// pool identities and snapshots, quotes and the error taxonomy.
package liquidity

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TokenPair is an unordered pair of distinct ERC20 tokens stored in canonical order:
// the lower address always comes first, so both trade directions map to one pair.
type TokenPair struct {
	token0 common.Address
	token1 common.Address
}

// NewTokenPair builds the canonical pair for a and b.
func NewTokenPair(a, b common.Address) (TokenPair, error) {
	switch bytes.Compare(a.Bytes(), b.Bytes()) {
	case -1:
		return TokenPair{token0: a, token1: b}, nil
	case 1:
		return TokenPair{token0: b, token1: a}, nil
	default:
		return TokenPair{}, fmt.Errorf("%w: %s", ErrSameToken, a.Hex())
	}
}

// MustTokenPair is NewTokenPair for static pairs known to be valid.
func MustTokenPair(a, b common.Address) TokenPair {
	p, err := NewTokenPair(a, b)
	if err != nil {
		panic(err)
	}
	return p
}

// Token0 returns the lower address.
func (p TokenPair) Token0() common.Address { return p.token0 }

// Token1 returns the higher address.
func (p TokenPair) Token1() common.Address { return p.token1 }

// Get returns both tokens in canonical order.
func (p TokenPair) Get() (common.Address, common.Address) {
	return p.token0, p.token1
}

// Tokens returns both tokens in canonical order for ranging.
func (p TokenPair) Tokens() [2]common.Address {
	return [2]common.Address{p.token0, p.token1}
}

// Contains reports whether token is one of the pair.
func (p TokenPair) Contains(token common.Address) bool {
	return p.token0 == token || p.token1 == token
}

// Other returns the token opposite to token, or false when token is not in the pair.
func (p TokenPair) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.token0:
		return p.token1, true
	case p.token1:
		return p.token0, true
	default:
		return common.Address{}, false
	}
}

// IsZero reports whether p is the zero value (never produced by NewTokenPair).
func (p TokenPair) IsZero() bool {
	return p == TokenPair{}
}

// Compare orders pairs by token0 then token1.
func (p TokenPair) Compare(other TokenPair) int {
	if c := bytes.Compare(p.token0.Bytes(), other.token0.Bytes()); c != 0 {
		return c
	}
	return bytes.Compare(p.token1.Bytes(), other.token1.Bytes())
}

func (p TokenPair) String() string {
	return p.token0.Hex() + "-" + p.token1.Hex()
}

type tokenPairJSON struct {
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
}

// MarshalJSON encodes the pair as {"token0": ..., "token1": ...}.
func (p TokenPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenPairJSON{Token0: p.token0, Token1: p.token1})
}

// UnmarshalJSON decodes and re-canonicalises a pair.
func (p *TokenPair) UnmarshalJSON(data []byte) error {
	var raw tokenPairJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pair, err := NewTokenPair(raw.Token0, raw.Token1)
	if err != nil {
		return err
	}
	*p = pair
	return nil
}
