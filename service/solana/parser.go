package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
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

// signatureToDomain converts an RPC TransactionSignature to our domain Transaction.
// Note: This only includes metadata from the signature list, not full transaction details.
// For full details (amount, token mint, addresses), call GetTransaction separately.
func signatureToDomain(sig *rpc.TransactionSignature) *Transaction {
	txn := &Transaction{
		Signature:          sig.Signature.String(),
		Slot:               sig.Slot,
		Decimals:           SOLDecimals,
		ConfirmationStatus: string(sig.ConfirmationStatus),
	}

	// Convert block time (Unix timestamp); zero when the node does not know it
	if sig.BlockTime != nil {
		txn.BlockTime = sig.BlockTime.Time()
	}

	if sig.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", sig.Err)
		txn.Err = &errMsg
	}

	// The signature list carries the memo for memo-program transactions.
	if sig.Memo != nil && *sig.Memo != "" {
		memo := *sig.Memo
		txn.Memo = &memo
	}

	return txn
}

// parseTransactionFromResult parses a full GetTransactionResult to extract transaction details.
// This extracts amount, token mint, addresses, fee and memo from the transaction.
func parseTransactionFromResult(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult) (*Transaction, error) {
	// Start with base transaction from signature metadata
	txn := signatureToDomain(sig)

	// Handle nil result (transaction not available)
	if result == nil {
		return txn, nil
	}

	if result.Meta != nil {
		txn.Fee = result.Meta.Fee
		if result.Meta.Err != nil && txn.Err == nil {
			errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
			txn.Err = &errMsg
		}
	}
	if txn.BlockTime.IsZero() && result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	}

	// Failed transactions moved no funds; keep the metadata and fee only
	if txn.Err != nil {
		return txn, nil
	}

	if result.Transaction == nil {
		return txn, nil
	}

	// Decode the transaction
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	// Parse instructions to extract transfer details and memo
	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		// Parse System Program transfers (native SOL)
		if programID.Equals(SystemProgramID) {
			if transfer, err := parseSystemTransfer(instruction, accountKeys); err == nil {
				transfer.apply(txn)
				txn.Decimals = SOLDecimals
			}
		}

		// Parse SPL Token transfers (USDC, etc.)
		if programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID) {
			if transfer, err := parseTokenTransfer(instruction, accountKeys); err == nil {
				transfer.apply(txn)
				txn.Decimals = transfer.decimals
				if !transfer.mint.IsZero() {
					mintStr := transfer.mint.String()
					txn.TokenMint = &mintStr
				}
			}
		}

		// Parse memo
		if programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy) {
			if memo := parseMemo(instruction.Data); memo != "" {
				txn.Memo = &memo
			}
		}
	}

	return txn, nil
}

// transfer is the part of a transfer instruction we keep.
type transfer struct {
	amount   uint64
	decimals uint8
	mint     solana.PublicKey
	from     *solana.PublicKey
	to       *solana.PublicKey
}

func (t transfer) apply(txn *Transaction) {
	txn.Amount = t.amount
	if t.from != nil {
		from := t.from.String()
		txn.FromAddress = &from
	}
	if t.to != nil {
		to := t.to.String()
		txn.ToAddress = &to
	}
}

func accountAt(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, i int) *solana.PublicKey {
	if i >= len(instruction.Accounts) {
		return nil
	}
	idx := instruction.Accounts[i]
	if int(idx) >= len(accountKeys) {
		return nil
	}
	addr := accountKeys[idx]
	return &addr
}

// parseSystemTransfer extracts the lamports and both parties from a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (transfer, error) {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return transfer{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return transfer{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// System Transfer accounts: [from, to]
	return transfer{
		amount:   binary.LittleEndian.Uint64(instruction.Data[4:12]),
		decimals: SOLDecimals,
		from:     accountAt(instruction, accountKeys, 0),
		to:       accountAt(instruction, accountKeys, 1),
	}, nil
}

// parseTokenTransfer extracts amount, mint and parties from an SPL Token transfer instruction.
// The source is the signing authority (a wallet); the destination is a token account.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (transfer, error) {
	if len(instruction.Data) == 0 {
		return transfer{}, fmt.Errorf("empty instruction data")
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// Transfer instruction format:
		// [0]     = instruction type (u8, 3 = Transfer)
		// [1..9]  = amount (u64)
		if len(instruction.Data) < 9 {
			return transfer{}, fmt.Errorf("transfer instruction data too short")
		}
		// Account layout for Transfer: [source, destination, authority].
		// Transfer carries no mint or decimals, so the amount stays in base units.
		return transfer{
			amount: binary.LittleEndian.Uint64(instruction.Data[1:9]),
			from:   accountAt(instruction, accountKeys, 2),
			to:     accountAt(instruction, accountKeys, 1),
		}, nil

	case TokenProgramTransferCheckedInstruction:
		// TransferChecked instruction format:
		// [0]      = instruction type (u8, 12 = TransferChecked)
		// [1..9]   = amount (u64)
		// [9]      = decimals (u8)
		if len(instruction.Data) < 10 {
			return transfer{}, fmt.Errorf("transferChecked instruction data too short")
		}
		// Account layout: [source_token_account, mint, destination_token_account, authority, ...]
		if len(instruction.Accounts) < 4 {
			return transfer{}, fmt.Errorf("transferChecked missing accounts")
		}
		mint := accountAt(instruction, accountKeys, 1)
		if mint == nil {
			return transfer{}, fmt.Errorf("mint account index out of bounds")
		}
		return transfer{
			amount:   binary.LittleEndian.Uint64(instruction.Data[1:9]),
			decimals: instruction.Data[9],
			mint:     *mint,
			from:     accountAt(instruction, accountKeys, 3),
			to:       accountAt(instruction, accountKeys, 2),
		}, nil

	default:
		return transfer{}, fmt.Errorf("unknown token instruction type: %d", instruction.Data[0])
	}
}

// parseMemo extracts the memo text from a Memo Program instruction.
func parseMemo(data []byte) string {
	// Memo program instructions contain the memo as raw UTF-8 bytes
	// Some memos are base64 encoded, others are plain text
	// Try to decode as UTF-8 string first
	memo := string(data)

	// If it looks like base64, try decoding
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil {
		// Check if decoded version is valid UTF-8
		if isValidUTF8(decoded) {
			return string(decoded)
		}
	}

	// Return as-is (plain UTF-8)
	return memo
}

// isValidUTF8 checks if bytes are valid UTF-8
func isValidUTF8(b []byte) bool {
	// Simple heuristic: check if there are any null bytes or invalid sequences
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
