// Package chain defines the read/write contracts the settlement core needs
// from blockchain clients, plus the fixed per-chain verification policy.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by readers when the chain has no record of a hash.
var ErrNotFound = errors.New("transaction not found on chain")

// ErrReadOnly is returned by clients that cannot broadcast transfers.
var ErrReadOnly = errors.New("chain client is read-only")

// Transaction is a chain transaction normalized across EVM and Solana.
type Transaction struct {
	Hash  string
	Chain string
	From  string
	To    string
	// Value is the native amount in base units (wei, lamports). For Solana it
	// is the sum of every top-level System transfer; use NativeTransfers to
	// see who received what.
	Value       *big.Int
	BlockNumber uint64
	BlockTime   time.Time
	Failed      bool
	// Confirmations is filled by readers that know it at fetch time.
	Confirmations  uint64
	TokenTransfers []TokenTransfer
	// NativeTransfers lists each native transfer separately when a
	// transaction can carry several (Solana System transfers). Token is empty.
	NativeTransfers []TokenTransfer
}

// TokenTransfer is one ERC-20 Transfer log or SPL token transfer instruction.
type TokenTransfer struct {
	// Token is the ERC-20 contract or SPL mint, empty if it could not be determined.
	Token string
	From  string
	// To is the recipient address (EVM) or destination token account (SPL).
	To string
	// ToOwner is the owner of the destination token account, when known (SPL).
	ToOwner string
	Amount  *big.Int
}

// Receipt carries execution status for a mined transaction.
type Receipt struct {
	Hash        string
	BlockNumber uint64
	Failed      bool
}

// Reader is the read side of a chain client.
type Reader interface {
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)
	GetConfirmations(ctx context.Context, hash string) (uint64, error)
}

// Client is a chain client that can also report balances and send transfers.
type Client interface {
	Reader
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// SendTransfer broadcasts a payout. The node accepts at most one
	// transfer per key, so resending with the same key cannot pay twice.
	SendTransfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error)
	// FindTransfer returns the hash of the transfer sent with key, or
	// ErrNotFound when none was accepted.
	FindTransfer(ctx context.Context, key string) (string, error)
}

// Policy is the fixed verification policy for one chain.
type Policy struct {
	Name                  string
	RequiredConfirmations uint64
	NativeToken           string
	NativeDecimals        int32
	Solana                bool
}

var policies = map[string]Policy{
	"ethereum": {Name: "ethereum", RequiredConfirmations: 12, NativeToken: "ETH", NativeDecimals: 18},
	"sepolia":  {Name: "sepolia", RequiredConfirmations: 3, NativeToken: "ETH", NativeDecimals: 18},
	"goerli":   {Name: "goerli", RequiredConfirmations: 3, NativeToken: "ETH", NativeDecimals: 18},
	"polygon":  {Name: "polygon", RequiredConfirmations: 20, NativeToken: "MATIC", NativeDecimals: 18},
	"solana":   {Name: "solana", RequiredConfirmations: 30, NativeToken: "SOL", NativeDecimals: 9, Solana: true},
}

// PolicyFor returns the policy for chain (case-insensitive).
func PolicyFor(chain string) (Policy, bool) {
	p, ok := policies[Normalize(chain)]
	return p, ok
}

// Chains lists the supported payment chains.
func Chains() []string {
	return []string{"ethereum", "sepolia", "goerli", "polygon", "solana"}
}

// Normalize lower-cases and trims a chain name.
func Normalize(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// TokenDecimals returns the decimals used to scale token amounts.
// Stablecoins use 6, everything else 18.
func TokenDecimals(symbol string) int32 {
	switch strings.ToUpper(symbol) {
	case "USDC", "USDT":
		return 6
	default:
		return 18
	}
}

// ToDecimal scales a base-unit amount by decimals.
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromDecimal converts a whole-unit amount into base units, truncating any
// precision beyond decimals.
func FromDecimal(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// Registry resolves chain readers by chain name.
type Registry struct {
	readers map[string]Reader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[string]Reader)}
}

// Register adds r for chain. Unsupported chain names are rejected.
func (r *Registry) Register(chain string, reader Reader) error {
	name := Normalize(chain)
	if _, ok := policies[name]; !ok {
		return fmt.Errorf("cannot register reader for unknown chain %q", chain)
	}
	r.readers[name] = reader
	return nil
}

// Reader returns the reader for chain.
func (r *Registry) Reader(chain string) (Reader, bool) {
	reader, ok := r.readers[Normalize(chain)]
	return reader, ok
}

// Chains returns the names of registered chains.
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.readers))
	for _, name := range Chains() {
		if _, ok := r.readers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
