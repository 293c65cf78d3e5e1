package chain

import (
	"fmt"
	"strings"
)

// TokenContracts maps chain -> upper-case token symbol -> ERC-20 contract or SPL mint.
type TokenContracts map[string]map[string]string

// DefaultTokenContracts returns the stablecoin contracts on supported chains.
func DefaultTokenContracts() TokenContracts {
	return TokenContracts{
		"ethereum": {
			"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			"USDT": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		},
		"sepolia": {
			"USDC": "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		},
		"polygon": {
			"USDC": "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			"USDT": "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
		},
		"solana": {
			"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
		},
	}
}

// Lookup returns the contract for symbol on chain.
func (tc TokenContracts) Lookup(chain, symbol string) (string, bool) {
	addr, ok := tc[Normalize(chain)][strings.ToUpper(strings.TrimSpace(symbol))]
	return addr, ok
}

// Set records the contract for symbol on chain.
func (tc TokenContracts) Set(chain, symbol, address string) {
	name := Normalize(chain)
	if tc[name] == nil {
		tc[name] = make(map[string]string)
	}
	tc[name][strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(address)
}

// ParseTokenContracts parses "chain:SYMBOL=address,..." and merges the
// entries over base.
func ParseTokenContracts(base TokenContracts, s string) (TokenContracts, error) {
	out := TokenContracts{}
	for chainName, tokens := range base {
		for symbol, addr := range tokens {
			out.Set(chainName, symbol, addr)
		}
	}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("token contract %q: expected chain:SYMBOL=address", entry)
		}
		chainName, symbol, ok := strings.Cut(key, ":")
		if !ok || symbol == "" || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("token contract %q: expected chain:SYMBOL=address", entry)
		}
		if _, known := PolicyFor(chainName); !known {
			return nil, fmt.Errorf("token contract %q: unknown chain %q", entry, chainName)
		}
		out.Set(chainName, symbol, addr)
	}
	return out, nil
}
