// Package payreq encodes and decodes Solana Pay style payment-request URIs.
package payreq

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// PaymentRequest is a transfer request handed to a wallet as a URI.
type PaymentRequest struct {
	Recipient string              `json:"recipient"`
	Amount    decimal.NullDecimal `json:"amount"`
	SPLToken  string              `json:"spl_token,omitempty"` // mint address, empty for native SOL
	Reference string              `json:"reference,omitempty"` // single-use key for on-ledger correlation
	Label     string              `json:"label,omitempty"`
	Message   string              `json:"message,omitempty"`
	Memo      string              `json:"memo,omitempty"`

	// Category selects the amount ceiling. It is never encoded in the URI.
	Category string `json:"category,omitempty"`
}

// NewReference generates a fresh reference key. The matching private key is
// discarded; a reference only has to be unique and look like an account.
func NewReference() (string, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate reference key: %w", err)
	}
	return key.PublicKey().String(), nil
}

// NewRequest returns a request for amount to recipient carrying a fresh reference.
func NewRequest(recipient string, amount decimal.Decimal, label string) (*PaymentRequest, error) {
	ref, err := NewReference()
	if err != nil {
		return nil, err
	}
	return &PaymentRequest{
		Recipient: recipient,
		Amount:    decimal.NewNullDecimal(amount),
		Reference: ref,
		Label:     label,
	}, nil
}
