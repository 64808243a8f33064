package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/ratelimit"
)

// DefaultRateLimit is the number of RPC calls per second a Client makes
// unless configured otherwise. Public mainnet endpoints tolerate 1-2 RPS.
const DefaultRateLimit = 2

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// Client provides methods for querying Solana transactions.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	limiter  ratelimit.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit caps outgoing RPC calls per second. rps <= 0 disables pacing.
func WithRateLimit(rps int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = ratelimit.NewUnlimited()
			return
		}
		c.limiter = ratelimit.New(rps)
	}
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
		limiter:  ratelimit.New(DefaultRateLimit),
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sleepWithContext waits for the duration or returns early if the context is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// GetSignatureStatus returns the status of one signature, searching the
// ledger history as well as the recent status cache. A nil status and nil
// error means the node has not seen the signature yet.
func (c *Client) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	c.limiter.Take()
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	c.recordCall("GetSignatureStatuses", start, err)
	if err != nil {
		if strings.Contains(err.Error(), "429") && c.metrics != nil {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// GetTransactionsParams contains parameters for fetching transactions.
type GetTransactionsParams struct {
	Wallet        solana.PublicKey
	LastSignature *solana.Signature
	Limit         int
}

// GetTransactions fetches the most recent transactions for a wallet, newest
// first. If LastSignature is set, only transactions after it are returned.
//
// This method fetches both signature metadata and full transaction details,
// parsing amounts, token mints, parties, fees and memos from each transaction.
func (c *Client) GetTransactions(ctx context.Context, params GetTransactionsParams) ([]*Transaction, error) {
	opts := &rpc.GetSignaturesForAddressOpts{}
	if params.Limit > 0 {
		opts.Limit = &params.Limit
	}
	if params.LastSignature != nil {
		opts.Until = *params.LastSignature
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"wallet", params.Wallet.String(),
		"limit", params.Limit,
		"until", params.LastSignature,
	)

	c.limiter.Take()
	start := time.Now()
	signatures, err := c.rpc.GetSignaturesForAddress(ctx, params.Wallet, opts)
	c.recordCall("GetSignaturesForAddress", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get signatures",
			"wallet", params.Wallet.String(),
			"error", err,
		)
		return nil, fmt.Errorf("failed to get signatures for %s: %w", params.Wallet, err)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCSignaturesPerCall(c.endpoint, float64(len(signatures)))
	}

	c.logger.DebugContext(ctx, "fetched transaction signatures",
		"wallet", params.Wallet.String(),
		"count", len(signatures),
	)

	transactions := make([]*Transaction, 0, len(signatures))
	for _, sig := range signatures {
		result, err := c.fetchTransaction(ctx, sig.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transaction might be pruned or not available after retries
			c.logger.WarnContext(ctx, "failed to get transaction details after retries, using metadata only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			transactions = append(transactions, signatureToDomain(sig))
			continue
		}

		txn, err := parseTransactionFromResult(sig, result)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to parse transaction, using metadata only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordTransactionParsed("error")
			}
			transactions = append(transactions, signatureToDomain(sig))
			continue
		}

		if c.metrics != nil {
			c.metrics.RecordTransactionParsed("success")
		}
		transactions = append(transactions, txn)
	}

	c.logger.InfoContext(ctx, "fetched and parsed transactions",
		"wallet", params.Wallet.String(),
		"count", len(transactions),
	)

	return transactions, nil
}

// fetchTransaction gets full transaction details with retry and backoff.
func (c *Client) fetchTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error) {
	var result *rpc.GetTransactionResult
	var err error

	// Public RPC: 3 attempts max to avoid long delays
	const maxAttempts = 3
	for attempt := range maxAttempts {
		c.limiter.Take()

		// Support versioned transactions
		txnOpts := &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		}
		start := time.Now()
		result, err = c.rpc.GetTransaction(ctx, signature, txnOpts)
		c.recordCall("GetTransaction", start, err)
		if err == nil {
			return result, nil
		}

		// Handle rate limiting (429 Too Many Requests) with longer backoff
		if strings.Contains(err.Error(), "429") {
			backoff := time.Duration(2<<uint(attempt)) * time.Second // 2s, 4s, 8s
			c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
				"signature", signature.String(),
				"attempt", attempt+1,
				"backoff_seconds", backoff.Seconds(),
			)
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
				c.metrics.RecordRPCRetry("GetTransaction", "rate_limit")
			}
			if serr := c.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
			continue
		}

		// Handle parsing errors for legacy transactions
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", signature.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}

			legacyStart := time.Now()
			result, err = c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
				Encoding: solana.EncodingBase64,
			})
			c.recordCall("GetTransaction", legacyStart, err)
			if err == nil {
				return result, nil
			}
		}

		// Exponential backoff for other errors (timeout, network, etc.)
		backoff := time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", signature.String(),
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("GetTransaction", "timeout_or_error")
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return nil, serr
		}
	}

	return nil, err
}
