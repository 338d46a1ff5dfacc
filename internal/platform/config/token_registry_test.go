package config

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func newTestRegistry(t *testing.T, tokens ...TokenConfig) *TokenRegistry {
	t.Helper()
	r, err := NewTokenRegistry(tokens)
	if err != nil {
		t.Fatalf("NewTokenRegistry failed: %v", err)
	}
	return r
}

// TestParsePair_Valid tests parsing of pairs by symbol and address
func TestParsePair_Valid(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name          string
		pairName      string
		expectedBase  string
		expectedQuote string
	}{
		{name: "WETH-USDC", pairName: "WETH-USDC", expectedBase: "WETH", expectedQuote: "USDC"},
		{name: "lower case", pairName: "weth-dai", expectedBase: "WETH", expectedQuote: "DAI"},
		{name: "stable pair", pairName: "USDC-USDT", expectedBase: "USDC", expectedQuote: "USDT"},
		{name: "address side", pairName: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599-USDC", expectedBase: "WBTC", expectedQuote: "USDC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, quote, err := r.ParsePair(tt.pairName)
			if err != nil {
				t.Fatalf("ParsePair(%s) failed: %v", tt.pairName, err)
			}
			if base.Symbol != tt.expectedBase {
				t.Errorf("Base symbol: expected %s, got %s", tt.expectedBase, base.Symbol)
			}
			if quote.Symbol != tt.expectedQuote {
				t.Errorf("Quote symbol: expected %s, got %s", tt.expectedQuote, quote.Symbol)
			}
		})
	}
}

// TestParsePair_Invalid tests error cases
func TestParsePair_Invalid(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name     string
		pairName string
		errPart  string
	}{
		{"no separator", "WETHUSDC", "invalid pair format"},
		{"three parts", "WETH-USDC-DAI", "invalid pair format"},
		{"unknown base", "FOO-USDC", "unknown token"},
		{"unknown quote", "WETH-BAR", "unknown token"},
		{"same token", "USDC-USDC", "must be different"},
		{"same token by address", "USDC-0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "must be different"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.ParsePair(tt.pairName)
			if err == nil {
				t.Fatalf("expected error for %s", tt.pairName)
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}
}

func TestTokenRegistry_Lookup(t *testing.T) {
	r := newTestRegistry(t)

	usdc, err := r.Lookup("usdc")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if usdc.Decimals != 6 || !usdc.IsStablecoin {
		t.Errorf("unexpected USDC info: %+v", usdc)
	}

	// unknown addresses are accepted with unknown decimals
	unknown, err := r.Lookup("0x0000000000000000000000000000000000000abc")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if unknown.Decimals != -1 || unknown.Symbol != "" {
		t.Errorf("unexpected unknown token info: %+v", unknown)
	}

	if dec, ok := r.Decimals(common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")); !ok || dec != 8 {
		t.Errorf("WBTC decimals: got %d, %v", dec, ok)
	}
	if _, ok := r.Decimals(common.HexToAddress("0x01")); ok {
		t.Error("unknown token should have no decimals")
	}
}

func TestTokenRegistry_ConfiguredTokens(t *testing.T) {
	r := newTestRegistry(t,
		TokenConfig{Symbol: "crv", Address: "0xD533a949740bb3306d119CC777fa900bA034cd52", Decimals: 18},
		TokenConfig{Symbol: "USDC", Address: "0x0000000000000000000000000000000000000001", Decimals: 6},
	)

	crv, err := r.Lookup("CRV")
	if err != nil {
		t.Fatalf("configured token not found: %v", err)
	}
	if crv.Symbol != "CRV" {
		t.Errorf("symbol should be upper-cased, got %s", crv.Symbol)
	}

	usdc, _ := r.Lookup("USDC")
	if usdc.Address != common.HexToAddress("0x01") {
		t.Errorf("configured token should replace the default, got %s", usdc.Address.Hex())
	}
	if _, ok := r.Decimals(common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")); ok {
		t.Error("replaced default address should be forgotten")
	}

	if _, err := NewTokenRegistry([]TokenConfig{{Symbol: "BAD", Address: "nope"}}); err == nil {
		t.Error("expected error for invalid address")
	}

	symbols := r.Symbols()
	if len(symbols) != len(DefaultTokens)+1 || symbols[0] != "AAVE" {
		t.Errorf("unexpected symbols: %v", symbols)
	}
}
