package money

import (
	"sort"
	"strings"
)

// Asset is a currency or token and the number of decimal places its
// atomic unit sits below the major unit.
type Asset struct {
	Code     string
	Decimals uint8
}

// Registry of the assets checkout accepts. Crypto entries use the
// precision the providers quote prices in, not full chain precision.
var assetRegistry = map[string]Asset{
	"USD":  {Code: "USD", Decimals: 2},
	"EUR":  {Code: "EUR", Decimals: 2},
	"USDT": {Code: "USDT", Decimals: 6},
	"USDC": {Code: "USDC", Decimals: 6},
	"BTC":  {Code: "BTC", Decimals: 8},
	"LTC":  {Code: "LTC", Decimals: 8},
}

// LookupAsset resolves a currency code, case-insensitively.
func LookupAsset(code string) (Asset, bool) {
	asset, ok := assetRegistry[strings.ToUpper(strings.TrimSpace(code))]
	return asset, ok
}

// SupportedAssets lists the registered currency codes.
func SupportedAssets() []string {
	codes := make([]string, 0, len(assetRegistry))
	for code := range assetRegistry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
