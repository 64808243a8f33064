package solana

import (
	"time"
)

// SOLDecimals is the precision of native amounts (lamports per SOL).
const SOLDecimals = 9

// Transaction represents a parsed Solana transaction.
// This is our domain model, independent of the RPC response format.
type Transaction struct {
	Signature          string
	Slot               uint64
	BlockTime          time.Time
	Amount             uint64  // in the smallest unit of the transferred asset
	Decimals           uint8   // precision of Amount; SOLDecimals for native transfers
	TokenMint          *string // nil for native SOL transfers
	Memo               *string // parsed from transaction instructions
	FromAddress        *string // source wallet (sender), nil if cannot be determined
	ToAddress          *string // destination account, nil if cannot be determined
	Fee                uint64  // lamports paid by the fee payer
	Err                *string // nil if transaction succeeded, contains error message if failed
	ConfirmationStatus string
}
