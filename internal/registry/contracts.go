package registry

import "strings"

type WrappedNative struct {
	NativeSymbol  string
	WrappedSymbol string
	Address       string
}

// Wrapped native token contracts (WETH9-compatible deposit/withdraw).
var wrappedNativeByChainID = map[int64]WrappedNative{
	1:     {NativeSymbol: "ETH", WrappedSymbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
	369:   {NativeSymbol: "PLS", WrappedSymbol: "WPLS", Address: "0xA1077a294dDE1B09bB078844df40758a5D0f9a27"},
	8453:  {NativeSymbol: "ETH", WrappedSymbol: "WETH", Address: "0x4200000000000000000000000000000000000006"},
	42161: {NativeSymbol: "ETH", WrappedSymbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"},
}

func WrappedNativeToken(chainID int64) (WrappedNative, bool) {
	v, ok := wrappedNativeByChainID[chainID]
	return v, ok
}

// IsNativeSymbol reports whether symbol names the chain's gas token.
func IsNativeSymbol(chainID int64, symbol string) bool {
	v, ok := wrappedNativeByChainID[chainID]
	return ok && strings.EqualFold(strings.TrimSpace(symbol), v.NativeSymbol)
}
