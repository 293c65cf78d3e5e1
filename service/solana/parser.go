package solana

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// parseTransactionResult converts a GetTransactionResult into a chain.Transaction.
// Only top-level instructions are inspected; a payment is expected to be a
// direct transfer signed by the payer.
func parseTransactionResult(signature string, result *rpc.GetTransactionResult) (*chain.Transaction, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, signature)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	txn := &chain.Transaction{
		Hash:        signature,
		Chain:       "solana",
		Value:       new(big.Int),
		BlockNumber: result.Slot,
	}
	if result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	}
	if result.Meta != nil && result.Meta.Err != nil {
		txn.Failed = true
	}

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		// Native SOL
		if programID.Equals(SystemProgramID) {
			amount, from, to, err := parseSystemTransfer(instruction, accountKeys)
			if err != nil {
				continue
			}
			lamports := new(big.Int).SetUint64(amount)
			txn.Value.Add(txn.Value, lamports)
			transfer := chain.TokenTransfer{Amount: lamports}
			if from != nil {
				transfer.From = from.String()
				if txn.From == "" {
					txn.From = transfer.From
				}
			}
			if to != nil {
				transfer.To = to.String()
				if txn.To == "" {
					txn.To = transfer.To
				}
			}
			txn.NativeTransfers = append(txn.NativeTransfers, transfer)
		}

		// SPL tokens (USDC, etc.)
		if programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID) {
			transfer, err := parseTokenTransfer(instruction, accountKeys)
			if err != nil {
				continue
			}
			resolveTokenAccount(&transfer, instruction, result.Meta)
			if txn.From == "" {
				txn.From = transfer.From
			}
			txn.TokenTransfers = append(txn.TokenTransfers, transfer)
		}
	}

	return txn, nil
}

// parseSystemTransfer extracts lamports, source and destination from a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, *solana.PublicKey, *solana.PublicKey, error) {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return 0, nil, nil, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return 0, nil, nil, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])

	// System Transfer accounts: [from, to]
	return amount, accountAt(instruction, accountKeys, 0), accountAt(instruction, accountKeys, 1), nil
}

// parseTokenTransfer extracts amount, mint, destination token account and
// authority from an SPL Token Transfer or TransferChecked instruction.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (chain.TokenTransfer, error) {
	var out chain.TokenTransfer
	if len(instruction.Data) == 0 {
		return out, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] = 3, [1..9] = amount (u64)
		// Accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return out, fmt.Errorf("transfer instruction data too short")
		}
		if len(instruction.Accounts) < 3 {
			return out, fmt.Errorf("transfer missing accounts")
		}
		out.Amount = new(big.Int).SetUint64(binary.LittleEndian.Uint64(instruction.Data[1:9]))
		if dest := accountAt(instruction, accountKeys, 1); dest != nil {
			out.To = dest.String()
		}
		if authority := accountAt(instruction, accountKeys, 2); authority != nil {
			out.From = authority.String()
		}
		return out, nil

	case TokenProgramTransferCheckedInstruction:
		// [0] = 12, [1..9] = amount (u64), [9] = decimals (u8)
		// Accounts: [source, mint, destination, authority, ...]
		if len(instruction.Data) < 10 {
			return out, fmt.Errorf("transferChecked instruction data too short")
		}
		if len(instruction.Accounts) < 4 {
			return out, fmt.Errorf("transferChecked missing accounts")
		}
		out.Amount = new(big.Int).SetUint64(binary.LittleEndian.Uint64(instruction.Data[1:9]))
		if mint := accountAt(instruction, accountKeys, 1); mint != nil {
			out.Token = mint.String()
		}
		if dest := accountAt(instruction, accountKeys, 2); dest != nil {
			out.To = dest.String()
		}
		if authority := accountAt(instruction, accountKeys, 3); authority != nil {
			out.From = authority.String()
		}
		return out, nil

	default:
		return out, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

// resolveTokenAccount fills the mint and destination owner from the
// post-transaction token balances, which plain Transfer instructions omit.
func resolveTokenAccount(transfer *chain.TokenTransfer, instruction solana.CompiledInstruction, meta *rpc.TransactionMeta) {
	if meta == nil {
		return
	}
	destPos := 1
	if transfer.Token != "" {
		destPos = 2
	}
	if destPos >= len(instruction.Accounts) {
		return
	}
	destIndex := instruction.Accounts[destPos]
	for _, bal := range meta.PostTokenBalances {
		if bal.AccountIndex != destIndex {
			continue
		}
		if transfer.Token == "" {
			transfer.Token = bal.Mint.String()
		}
		if bal.Owner != nil {
			transfer.ToOwner = bal.Owner.String()
		}
		return
	}
}

func accountAt(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, pos int) *solana.PublicKey {
	if pos >= len(instruction.Accounts) {
		return nil
	}
	index := instruction.Accounts[pos]
	if int(index) >= len(accountKeys) {
		return nil
	}
	key := accountKeys[index]
	return &key
}

// AssociatedTokenAccount derives the associated token account of owner for mint.
func AssociatedTokenAccount(owner, mint string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return ata.String(), nil
}
