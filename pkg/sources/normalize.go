package sources

import (
	"strings"
)

// Symbol normalization maps trading pairs to the canonical asset symbol.
// All prices are USD, so ETH, ETH/USD, WETH/USDT and eth-usdc are the same key.

// Stablecoin aliases - all considered equivalent to USD
var stablecoinAliases = map[string]bool{
	"USD":  true,
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
	"TUSD": true,
	"USDD": true,
	"USDP": true,
}

// Base currency aliases
var baseCurrencyAliases = map[string]string{
	"WBTC":  "BTC",
	"WETH":  "ETH",
	"STETH": "ETH",
	"WBNB":  "BNB",
}

// NormalizeSymbol converts a symbol or trading pair to its canonical form
// Examples:
//   - eth -> ETH
//   - WETH/USDT -> ETH
//   - BTC-USDC -> BTC
//   - LUNC/EUR -> LUNC/EUR (non-USD quotes are kept)
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "/")

	base, quote, hasQuote := strings.Cut(s, "/")
	if normalized, ok := baseCurrencyAliases[base]; ok {
		base = normalized
	}

	if !hasQuote || stablecoinAliases[quote] {
		return base
	}
	return base + "/" + quote
}
