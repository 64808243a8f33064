package payreq

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const (
	// DefaultScheme is the Solana Pay URI scheme.
	DefaultScheme = "solana"

	// MaxDecimals is the precision of the ledger's base unit (lamports).
	MaxDecimals = 9

	maxAddressLength = 44
)

var (
	// DefaultMaxAmount catches fat-finger amounts rather than enforcing a budget.
	DefaultMaxAmount = decimal.NewFromInt(50_000_000)

	// Valid Solana address characters: base58 (no 0, O, I, l)
	base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

	// Plain decimal notation only: no sign, no exponent.
	amountRegex = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// AddressValidator reports whether s is an acceptable ledger address.
type AddressValidator func(s string) error

// SolanaAddress accepts base58 strings that decode to a 32-byte public key.
func SolanaAddress(s string) error {
	if _, err := solana.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	return nil
}

// Base58Syntax accepts any non-empty base58 string of address length or less.
// It only checks the alphabet, which suits test fixtures and devnet aliases.
func Base58Syntax(s string) error {
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	if len(s) > maxAddressLength {
		return fmt.Errorf("address too long: %d characters", len(s))
	}
	if !IsBase58(s) {
		return fmt.Errorf("address %q contains non-base58 characters", s)
	}
	return nil
}

// IsBase58 reports whether s is non-empty and uses only the base58 alphabet
// (no 0, O, I, l).
func IsBase58(s string) bool {
	return base58Regex.MatchString(s)
}

// Codec builds and parses payment-request URIs for one scheme.
type Codec struct {
	scheme          string
	maxAmount       decimal.Decimal
	categoryLimits  map[string]decimal.Decimal
	validateAddress AddressValidator
}

// Option configures a Codec.
type Option func(*Codec)

// WithScheme sets the URI scheme (without the trailing colon).
func WithScheme(scheme string) Option {
	return func(c *Codec) { c.scheme = scheme }
}

// WithMaxAmount sets the ceiling applied to requests without a category limit.
func WithMaxAmount(max decimal.Decimal) Option {
	return func(c *Codec) { c.maxAmount = max }
}

// WithCategoryLimit sets the ceiling for requests tagged with category.
func WithCategoryLimit(category string, max decimal.Decimal) Option {
	return func(c *Codec) { c.categoryLimits[category] = max }
}

// WithAddressValidator replaces the recipient/reference validator.
func WithAddressValidator(v AddressValidator) Option {
	return func(c *Codec) { c.validateAddress = v }
}

// NewCodec returns a Codec for the solana scheme validating real public keys.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		scheme:          DefaultScheme,
		maxAmount:       DefaultMaxAmount,
		categoryLimits:  make(map[string]decimal.Decimal),
		validateAddress: SolanaAddress,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scheme returns the URI scheme handled by the codec.
func (c *Codec) Scheme() string { return c.scheme }

// Limit returns the amount ceiling for category.
func (c *Codec) Limit(category string) decimal.Decimal {
	if max, ok := c.categoryLimits[category]; ok {
		return max
	}
	return c.maxAmount
}

// Validate checks req in a fixed order so callers always see the first
// problem a user should fix: amount presence, amount value, amount ceiling,
// then addresses.
func (c *Codec) Validate(req *PaymentRequest) error {
	if !req.Amount.Valid {
		return invalid(CodeAmountRequired, "amount", "amount is required")
	}
	amount := req.Amount.Decimal
	if !amount.IsPositive() {
		return invalid(CodeInvalidAmount, "amount", "amount must be greater than zero, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(MaxDecimals)) {
		return invalid(CodeInvalidAmount, "amount", "amount %s has more than %d decimal places", amount, MaxDecimals)
	}
	if limit := c.Limit(req.Category); amount.GreaterThan(limit) {
		return invalid(CodeAmountExceedsLimit, "amount", "amount %s exceeds limit %s", amount, limit)
	}
	if err := c.validateAddress(req.Recipient); err != nil {
		return invalid(CodeInvalidRecipient, "recipient", "%v", err)
	}
	if req.Reference != "" {
		if err := c.validateAddress(req.Reference); err != nil {
			return invalid(CodeInvalidReference, "reference", "%v", err)
		}
	}
	if req.SPLToken != "" {
		if err := c.validateAddress(req.SPLToken); err != nil {
			return invalid(CodeInvalidSPLToken, "spl-token", "%v", err)
		}
	}
	return nil
}

// BuildURI validates req and renders it as
// scheme:recipient?amount=..&spl-token=..&label=..&message=..&memo=..&reference=..
// Optional fields are included only when set.
func (c *Codec) BuildURI(req *PaymentRequest) (string, error) {
	if err := c.Validate(req); err != nil {
		return "", err
	}

	params := [][2]string{
		{"amount", FormatAmount(req.Amount.Decimal)},
		{"spl-token", req.SPLToken},
		{"label", req.Label},
		{"message", req.Message},
		{"memo", req.Memo},
		{"reference", req.Reference},
	}

	var b strings.Builder
	b.WriteString(c.scheme)
	b.WriteByte(':')
	b.WriteString(req.Recipient)
	sep := byte('?')
	for _, p := range params {
		if p[1] == "" {
			continue
		}
		b.WriteByte(sep)
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(escape(p[1]))
		sep = '&'
	}
	return b.String(), nil
}

// ParseURI decodes raw. It returns (nil, nil) when raw is not a transfer
// request for this codec's scheme, a *ProtocolError when it is but cannot be
// decoded, and a *ValidationError when a decoded field is unacceptable.
func (c *Codec) ParseURI(raw string) (*PaymentRequest, error) {
	prefix := c.scheme + ":"
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return nil, nil
	}

	path, query, _ := strings.Cut(raw[len(prefix):], "?")
	recipient, err := url.PathUnescape(path)
	if err != nil {
		return nil, &ProtocolError{Field: "recipient", Reason: "bad percent-encoding", Err: err}
	}
	lower := strings.ToLower(recipient)
	if strings.HasPrefix(lower, "https:") || strings.HasPrefix(lower, "http:") {
		// Transaction request (interactive) URIs share the scheme but are not transfers.
		return nil, nil
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, &ProtocolError{Reason: "bad query string", Err: err}
	}
	for key, vals := range values {
		if len(vals) > 1 {
			return nil, &ProtocolError{Field: key, Reason: "parameter repeated"}
		}
	}

	req := &PaymentRequest{
		Recipient: recipient,
		SPLToken:  values.Get("spl-token"),
		Reference: values.Get("reference"),
		Label:     values.Get("label"),
		Message:   values.Get("message"),
		Memo:      values.Get("memo"),
	}

	if raw := values.Get("amount"); raw != "" {
		if !amountRegex.MatchString(raw) {
			return nil, invalid(CodeInvalidAmount, "amount", "amount %q is not a plain decimal number", raw)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, invalid(CodeInvalidAmount, "amount", "amount %q: %v", raw, err)
		}
		req.Amount = decimal.NewNullDecimal(amount)
	}

	if err := c.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

// FormatAmount renders amount in fixed notation without trailing zeros.
func FormatAmount(amount decimal.Decimal) string {
	return amount.Truncate(MaxDecimals).String()
}

// escape percent-encodes a query value, using %20 rather than + for spaces
// so wallets that decode with decodeURIComponent see the same text.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
