package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenConfig declares a token in the tokens section.
type TokenConfig struct {
	Symbol       string `mapstructure:"symbol"`
	Address      string `mapstructure:"address"`
	Decimals     int    `mapstructure:"decimals"`
	IsStablecoin bool   `mapstructure:"is_stablecoin"`
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Symbol       string         `json:"symbol"`
	Address      common.Address `json:"address"`
	Decimals     int            `json:"decimals"`
	IsStablecoin bool           `json:"is_stablecoin"`
}

// DefaultTokens are well-known Ethereum mainnet tokens, always available.
var DefaultTokens = []TokenConfig{
	{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8},
	{Symbol: "LINK", Address: "0x514910771AF9Ca656af840dff83E8264EcF986CA", Decimals: 18},
	{Symbol: "UNI", Address: "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984", Decimals: 18},
	{Symbol: "AAVE", Address: "0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9", Decimals: 18},
	{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, IsStablecoin: true},
	{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6, IsStablecoin: true},
	{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18, IsStablecoin: true},
}

// TokenRegistry resolves tokens by symbol or address. It is read-only after
// construction and safe for concurrent use.
type TokenRegistry struct {
	bySymbol  map[string]TokenInfo
	byAddress map[common.Address]TokenInfo
}

// NewTokenRegistry builds a registry from DefaultTokens overlaid with tokens.
// Configured tokens replace defaults with the same symbol.
func NewTokenRegistry(tokens []TokenConfig) (*TokenRegistry, error) {
	r := &TokenRegistry{
		bySymbol:  make(map[string]TokenInfo),
		byAddress: make(map[common.Address]TokenInfo),
	}
	for _, tc := range slices.Concat(DefaultTokens, tokens) {
		if !common.IsHexAddress(tc.Address) {
			return nil, fmt.Errorf("token %s: invalid address %q", tc.Symbol, tc.Address)
		}
		if tc.Decimals < 0 || tc.Decimals > 36 {
			return nil, fmt.Errorf("token %s: invalid decimals %d", tc.Symbol, tc.Decimals)
		}
		info := TokenInfo{
			Symbol:       strings.ToUpper(tc.Symbol),
			Address:      common.HexToAddress(tc.Address),
			Decimals:     tc.Decimals,
			IsStablecoin: tc.IsStablecoin,
		}
		if prev, ok := r.bySymbol[info.Symbol]; ok {
			delete(r.byAddress, prev.Address)
		}
		r.bySymbol[info.Symbol] = info
		r.byAddress[info.Address] = info
	}
	return r, nil
}

// Lookup resolves a symbol (case-insensitive) or a hex address. Unknown addresses
// resolve with Decimals -1.
func (r *TokenRegistry) Lookup(ref string) (TokenInfo, error) {
	if common.IsHexAddress(ref) {
		addr := common.HexToAddress(ref)
		if info, ok := r.byAddress[addr]; ok {
			return info, nil
		}
		return TokenInfo{Address: addr, Decimals: -1}, nil
	}
	if info, ok := r.bySymbol[strings.ToUpper(ref)]; ok {
		return info, nil
	}
	return TokenInfo{}, fmt.Errorf("unknown token: %s", ref)
}

// Decimals returns the decimals of a known token.
func (r *TokenRegistry) Decimals(token common.Address) (int, bool) {
	info, ok := r.byAddress[token]
	return info.Decimals, ok
}

// Symbols returns the known symbols in sorted order.
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// ParsePair parses a pair string like "WETH-USDC" into its two tokens. Either side
// may be a symbol or an address.
func (r *TokenRegistry) ParsePair(pairName string) (base TokenInfo, quote TokenInfo, err error) {
	parts := strings.Split(pairName, "-")
	if len(parts) != 2 {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("invalid pair format: %s (expected BASE-QUOTE like WETH-USDC)", pairName)
	}

	if base, err = r.Lookup(parts[0]); err != nil {
		return TokenInfo{}, TokenInfo{}, err
	}
	if quote, err = r.Lookup(parts[1]); err != nil {
		return TokenInfo{}, TokenInfo{}, err
	}
	if base.Address == quote.Address {
		return TokenInfo{}, TokenInfo{}, fmt.Errorf("base and quote tokens must be different: %s", pairName)
	}
	return base, quote, nil
}
