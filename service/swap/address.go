package swap

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// CIRX addresses are 0x followed by 64 hex characters.
	cirxAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	evmAddressRegex  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	// Solana addresses are base58 (no 0, O, I, l).
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// IsCirxAddress reports whether addr is a valid destination-chain address.
// A 42 character EVM address is deliberately rejected.
func IsCirxAddress(addr string) bool {
	return cirxAddressRegex.MatchString(addr)
}

// IsEVMAddress reports whether addr looks like a 20 byte hex address.
func IsEVMAddress(addr string) bool {
	return evmAddressRegex.MatchString(addr)
}

// ValidateCirxAddress returns a descriptive error for a bad destination address.
func ValidateCirxAddress(addr string) error {
	if IsCirxAddress(addr) {
		return nil
	}
	if IsEVMAddress(addr) {
		return fmt.Errorf("%w: %s is an EVM address (42 chars), expected 0x + 64 hex characters", ErrInvalidRecipientFormat, addr)
	}
	return fmt.Errorf("%w: expected 0x + 64 hex characters", ErrInvalidRecipientFormat)
}

// ValidateSourceAddress checks a sender address for the payment chain.
// Empty is allowed; the sender is informational.
func ValidateSourceAddress(chain, addr string) error {
	if addr == "" {
		return nil
	}
	if strings.EqualFold(chain, "solana") {
		if !solanaAddressRegex.MatchString(addr) {
			return fmt.Errorf("%w: %q is not a solana address", ErrInvalidAddress, addr)
		}
		return nil
	}
	if !IsEVMAddress(addr) {
		return fmt.Errorf("%w: %q is not an EVM address", ErrInvalidAddress, addr)
	}
	return nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
