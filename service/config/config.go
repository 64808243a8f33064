package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration; empty selects the in-memory backend
	DatabaseURL string

	// NATS configuration; empty disables status events
	NATSURL string

	// Solana configuration
	SolanaRPCURLs []string
	RPCRateLimit  int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Payment request configuration
	PaymentURIScheme  string
	MaxPaymentAmount  decimal.Decimal
	CategoryLimits    map[string]decimal.Decimal
	AddressValidation string // "solana" or "base58"

	// Monitor configuration
	MonitorPollInterval time.Duration
	MonitorMaxAttempts  int
	MonitorTimeout      time.Duration

	// Store configuration
	CacheTTL     time.Duration
	HistoryLimit int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}
	rateLimit, err := parseInt("RPC_RATE_LIMIT", 2)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimit = rateLimit
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "campuspay-confirmations")

	// Payment request configuration
	cfg.PaymentURIScheme = getEnvOrDefault("PAYMENT_URI_SCHEME", payreq.DefaultScheme)
	cfg.AddressValidation = getEnvOrDefault("PAYMENT_ADDRESS_VALIDATION", "solana")

	maxAmount, err := parseDecimal("MAX_PAYMENT_AMOUNT", payreq.DefaultMaxAmount)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxPaymentAmount = maxAmount
	}

	limits, err := parseCategoryLimits("CATEGORY_LIMITS", os.Getenv("CATEGORY_LIMITS"))
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CategoryLimits = limits
	}

	// Monitor configuration
	pollInterval, err := parseDuration("MONITOR_POLL_INTERVAL", monitor.DefaultPollInterval.String())
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MonitorPollInterval = pollInterval
	}

	maxAttempts, err := parseInt("MONITOR_MAX_ATTEMPTS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MonitorMaxAttempts = maxAttempts
	}

	timeout, err := parseDuration("MONITOR_TIMEOUT", "0s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MonitorTimeout = timeout
	}

	// Store configuration
	cacheTTL, err := parseDuration("CACHE_TTL", store.DefaultCacheTTL.String())
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheTTL = cacheTTL
	}

	historyLimit, err := parseInt("HISTORY_LIMIT", store.DefaultHistoryLimit)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.HistoryLimit = historyLimit
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.PaymentURIScheme == "" || strings.ContainsAny(c.PaymentURIScheme, ":/?") {
		errs = append(errs, fmt.Errorf("PaymentURIScheme %q is invalid", c.PaymentURIScheme))
	}

	if !c.MaxPaymentAmount.IsPositive() {
		errs = append(errs, fmt.Errorf("MaxPaymentAmount must be positive"))
	}

	for category, limit := range c.CategoryLimits {
		if !limit.IsPositive() {
			errs = append(errs, fmt.Errorf("CategoryLimits[%s] must be positive", category))
		}
	}

	if c.AddressValidation != "solana" && c.AddressValidation != "base58" {
		errs = append(errs, fmt.Errorf("AddressValidation must be \"solana\" or \"base58\", got %q", c.AddressValidation))
	}

	if c.MonitorPollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("MonitorPollInterval must be at least 100ms"))
	}

	if c.MonitorMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("MonitorMaxAttempts cannot be negative"))
	}

	if c.MonitorTimeout < 0 {
		errs = append(errs, fmt.Errorf("MonitorTimeout cannot be negative"))
	}

	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CacheTTL must be positive"))
	}

	if c.HistoryLimit <= 0 || c.HistoryLimit > 1000 {
		errs = append(errs, fmt.Errorf("HistoryLimit must be between 1 and 1000"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// CodecOptions translates the payment request settings into codec options.
func (c *Config) CodecOptions() []payreq.Option {
	opts := []payreq.Option{
		payreq.WithScheme(c.PaymentURIScheme),
		payreq.WithMaxAmount(c.MaxPaymentAmount),
	}
	if c.AddressValidation == "base58" {
		opts = append(opts, payreq.WithAddressValidator(payreq.Base58Syntax))
	}

	// Deterministic order keeps option application stable.
	categories := make([]string, 0, len(c.CategoryLimits))
	for category := range c.CategoryLimits {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		opts = append(opts, payreq.WithCategoryLimit(category, c.CategoryLimits[category]))
	}
	return opts
}

// MonitorConfig returns the polling settings for transaction monitors.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		PollInterval: c.MonitorPollInterval,
		MaxAttempts:  c.MonitorMaxAttempts,
		Timeout:      c.MonitorTimeout,
	}
}

// StoreConfig returns the ledger cache settings for the transaction store.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		CacheTTL:     c.CacheTTL,
		HistoryLimit: c.HistoryLimit,
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a decimal from an environment variable or uses a default.
func parseDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}

// parseCategoryLimits parses "food=200,books=1500" into a limit per category.
func parseCategoryLimits(key, value string) (map[string]decimal.Decimal, error) {
	limits := make(map[string]decimal.Decimal)
	for _, pair := range splitList(value) {
		category, raw, ok := strings.Cut(pair, "=")
		category = strings.TrimSpace(category)
		if !ok || category == "" {
			return nil, fmt.Errorf("%s: invalid entry %q, want category=amount", key, pair)
		}
		limit, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid amount for %q: %w", key, category, err)
		}
		limits[category] = limit
	}
	return limits, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
