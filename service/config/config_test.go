package config

import (
	"os"
	"testing"
	"time"

	"github.com/brojonat/campuspay/service/payreq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	os.Setenv("SOLANA_RPC_URLS", "https://api.mainnet-beta.solana.com")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, []string{"https://api.mainnet-beta.solana.com"}, cfg.SolanaRPCURLs)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, 2, cfg.RPCRateLimit)
	assert.Equal(t, "solana", cfg.PaymentURIScheme)
	assert.Equal(t, "solana", cfg.AddressValidation)
	assert.True(t, cfg.MaxPaymentAmount.Equal(decimal.NewFromInt(50_000_000)))
	assert.Empty(t, cfg.CategoryLimits)
	assert.Equal(t, 2*time.Second, cfg.MonitorPollInterval)
	assert.Zero(t, cfg.MonitorMaxAttempts)
	assert.Zero(t, cfg.MonitorTimeout)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, "campuspay-confirmations", cfg.TemporalTaskQueue)
}

func TestLoad_MissingSolanaRPCURLs(t *testing.T) {
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SOLANA_RPC_URLS is required")
}

func TestLoad_AccumulatesErrors(t *testing.T) {
	os.Setenv("MONITOR_POLL_INTERVAL", "invalid")
	os.Setenv("HISTORY_LIMIT", "lots")
	os.Setenv("CATEGORY_LIMITS", "food")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SOLANA_RPC_URLS is required")
	assert.Contains(t, err.Error(), "invalid duration")
	assert.Contains(t, err.Error(), "invalid integer")
	assert.Contains(t, err.Error(), "want category=amount")
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("SOLANA_RPC_URLS", "https://a.example.com, https://b.example.com,")
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("TEMPORAL_HOST", "temporal.example.com:7233")
	os.Setenv("PAYMENT_URI_SCHEME", "pay")
	os.Setenv("PAYMENT_ADDRESS_VALIDATION", "base58")
	os.Setenv("MAX_PAYMENT_AMOUNT", "1000.5")
	os.Setenv("CATEGORY_LIMITS", "food=200, books=1500")
	os.Setenv("MONITOR_POLL_INTERVAL", "500ms")
	os.Setenv("MONITOR_MAX_ATTEMPTS", "30")
	os.Setenv("MONITOR_TIMEOUT", "2m")
	os.Setenv("CACHE_TTL", "5m")
	os.Setenv("HISTORY_LIMIT", "100")
	os.Setenv("RPC_RATE_LIMIT", "10")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.SolanaRPCURLs)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, "temporal.example.com:7233", cfg.TemporalHost)
	assert.Equal(t, "pay", cfg.PaymentURIScheme)
	assert.Equal(t, "base58", cfg.AddressValidation)
	assert.True(t, cfg.MaxPaymentAmount.Equal(decimal.RequireFromString("1000.5")))
	require.Len(t, cfg.CategoryLimits, 2)
	assert.True(t, cfg.CategoryLimits["food"].Equal(decimal.NewFromInt(200)))
	assert.True(t, cfg.CategoryLimits["books"].Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, 500*time.Millisecond, cfg.MonitorPollInterval)
	assert.Equal(t, 30, cfg.MonitorMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.MonitorTimeout)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 10, cfg.RPCRateLimit)
}

func validConfig() *Config {
	return &Config{
		SolanaRPCURLs:       []string{"https://api.mainnet-beta.solana.com"},
		TemporalHost:        "localhost:7233",
		TemporalNamespace:   "default",
		TemporalTaskQueue:   "q",
		PaymentURIScheme:    "solana",
		MaxPaymentAmount:    decimal.NewFromInt(100),
		AddressValidation:   "solana",
		MonitorPollInterval: 2 * time.Second,
		CacheTTL:            time.Minute,
		HistoryLimit:        50,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no rpc urls", mutate: func(c *Config) { c.SolanaRPCURLs = nil }, wantErr: "SolanaRPCURLs is required"},
		{name: "bad scheme", mutate: func(c *Config) { c.PaymentURIScheme = "solana:" }, wantErr: "PaymentURIScheme"},
		{name: "zero ceiling", mutate: func(c *Config) { c.MaxPaymentAmount = decimal.Zero }, wantErr: "MaxPaymentAmount must be positive"},
		{
			name:    "negative category limit",
			mutate:  func(c *Config) { c.CategoryLimits = map[string]decimal.Decimal{"food": decimal.NewFromInt(-1)} },
			wantErr: "CategoryLimits[food]",
		},
		{name: "unknown validation", mutate: func(c *Config) { c.AddressValidation = "none" }, wantErr: "AddressValidation"},
		{name: "poll too fast", mutate: func(c *Config) { c.MonitorPollInterval = time.Millisecond }, wantErr: "at least 100ms"},
		{name: "negative attempts", mutate: func(c *Config) { c.MonitorMaxAttempts = -1 }, wantErr: "MonitorMaxAttempts"},
		{name: "zero ttl", mutate: func(c *Config) { c.CacheTTL = 0 }, wantErr: "CacheTTL"},
		{name: "history too large", mutate: func(c *Config) { c.HistoryLimit = 5000 }, wantErr: "HistoryLimit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCodecOptions(t *testing.T) {
	cfg := validConfig()
	cfg.PaymentURIScheme = "pay"
	cfg.AddressValidation = "base58"
	cfg.CategoryLimits = map[string]decimal.Decimal{"food": decimal.NewFromInt(20)}

	codec := payreq.NewCodec(cfg.CodecOptions()...)
	assert.Equal(t, "pay", codec.Scheme())
	assert.True(t, codec.Limit("food").Equal(decimal.NewFromInt(20)))
	assert.True(t, codec.Limit("books").Equal(decimal.NewFromInt(100)))

	// base58 syntax validation accepts short test addresses
	req, err := codec.ParseURI("pay:Addr1?amount=0.5&label=Lunch")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "Addr1", req.Recipient)
}

func TestMonitorAndStoreConfig(t *testing.T) {
	cfg := validConfig()
	cfg.MonitorMaxAttempts = 5
	cfg.MonitorTimeout = time.Minute

	mc := cfg.MonitorConfig()
	assert.Equal(t, 2*time.Second, mc.PollInterval)
	assert.Equal(t, 5, mc.MaxAttempts)
	assert.Equal(t, time.Minute, mc.Timeout)

	sc := cfg.StoreConfig()
	assert.Equal(t, time.Minute, sc.CacheTTL)
	assert.Equal(t, 50, sc.HistoryLimit)
}

func TestMustLoad_Panics(t *testing.T) {
	// Don't set required env vars
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	os.Setenv("SOLANA_RPC_URLS", "https://api.mainnet-beta.solana.com")
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	for _, key := range []string{
		"SERVER_ADDR", "LOG_LEVEL", "DATABASE_URL", "NATS_URL",
		"SOLANA_RPC_URLS", "RPC_RATE_LIMIT",
		"TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
		"PAYMENT_URI_SCHEME", "PAYMENT_ADDRESS_VALIDATION", "MAX_PAYMENT_AMOUNT", "CATEGORY_LIMITS",
		"MONITOR_POLL_INTERVAL", "MONITOR_MAX_ATTEMPTS", "MONITOR_TIMEOUT",
		"CACHE_TTL", "HISTORY_LIMIT",
	} {
		os.Unsetenv(key)
	}
}
