package solana

import (
	"context"
	"fmt"
	"math/big"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/store"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// SignatureStatus implements monitor.LedgerClient. A signature the node has
// not seen yet reports as processing with zero confirmations.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (*monitor.SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	result, err := c.GetSignatureStatus(ctx, sig)
	if err != nil {
		return nil, err
	}
	if result == nil {
		var zero uint64
		return &monitor.SignatureStatus{
			ConfirmationStatus: monitor.ConfirmationProcessing,
			Confirmations:      &zero,
		}, nil
	}

	status := &monitor.SignatureStatus{
		ConfirmationStatus: confirmationStatus(result.ConfirmationStatus),
		Confirmations:      result.Confirmations,
		Slot:               result.Slot,
	}
	if result.Err != nil {
		status.Err = fmt.Sprintf("%v", result.Err)
	}
	return status, nil
}

func confirmationStatus(s rpc.ConfirmationStatusType) monitor.ConfirmationStatus {
	switch s {
	case rpc.ConfirmationStatusFinalized:
		return monitor.ConfirmationFinalized
	case rpc.ConfirmationStatusConfirmed:
		return monitor.ConfirmationConfirmed
	default:
		return monitor.ConfirmationProcessing
	}
}

// TransactionsForAddress implements store.HistoryClient.
func (c *Client) TransactionsForAddress(ctx context.Context, address string, limit int) ([]store.Record, error) {
	wallet, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	txns, err := c.GetTransactions(ctx, GetTransactionsParams{Wallet: wallet, Limit: limit})
	if err != nil {
		return nil, err
	}

	records := make([]store.Record, 0, len(txns))
	for _, txn := range txns {
		records = append(records, toRecord(txn, address))
	}
	return records, nil
}

// toRecord converts a parsed transaction into a ledger record from owner's
// point of view.
func toRecord(txn *Transaction, owner string) store.Record {
	r := store.Record{
		ID:        txn.Signature,
		Signature: txn.Signature,
		Amount:    decimal.NewFromBigInt(new(big.Int).SetUint64(txn.Amount), -int32(txn.Decimals)),
		Timestamp: txn.BlockTime,
		Type:      store.TypeIncoming,
		Origin:    store.OriginLedger,
	}
	if txn.FromAddress != nil {
		r.FromAddress = *txn.FromAddress
		if r.FromAddress == owner {
			r.Type = store.TypeOutgoing
		}
	}
	if txn.ToAddress != nil {
		r.ToAddress = *txn.ToAddress
	}
	if txn.Memo != nil {
		r.Description = *txn.Memo
	}
	if txn.TokenMint != nil {
		r.Category = "token:" + *txn.TokenMint
	}

	// Only the payer is charged the fee.
	if r.Type == store.TypeOutgoing && txn.Fee > 0 {
		fee := decimal.New(int64(txn.Fee), -SOLDecimals)
		r.Fees = &fee
	}

	switch {
	case txn.Err != nil:
		r.Status = store.StatusFailed
	case txn.ConfirmationStatus == string(rpc.ConfirmationStatusProcessed):
		r.Status = store.StatusPending
	case txn.ConfirmationStatus == string(rpc.ConfirmationStatusConfirmed):
		r.Status = store.StatusConfirmed
	default:
		// getSignaturesForAddress defaults to finalized commitment
		r.Status = store.StatusFinalized
	}
	return r
}
