// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/moltworks/agora/internal/secrets"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-process fallbacks if not set)

	// Chain settings
	RPCURL                string
	ChainID               int64
	TokenContract         string // canonical ERC-20 credits token
	HotWalletKey          string // hex-encoded secp256k1 key for payouts, no 0x prefix
	DepositXprv           string // BIP-32 root for deposit address derivation
	RequiredConfirmations int
	DepositMinimum        string // smallest accepted deposit, in credits

	// Fee schedule
	FeePercent          string // platform base fee, e.g. "0.025"
	FeePerCPUSecond     string
	FeePerKBStored      string
	WithdrawalFlatFee   string
	VerificationFeeMin  string
	StorageFeeMin       string

	// Job settings
	MaxNegotiationRounds int
	MaxDeliverableBytes  int64

	// Sandbox
	SandboxTimeout    time.Duration
	SandboxMaxTimeout time.Duration
	SandboxMemoryMB   int64
	SandboxMaxMemMB   int64

	// Auth
	ClockSkew     time.Duration
	AdminSecret   string
	RequireSignup bool // registration needs a signup token when true

	// CORS
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultTokenContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultConfirmations   = 12
	DefaultDepositMinimum  = "10.00"
	DefaultFeePercent      = "0.025"
	DefaultFeePerCPUSecond = "0.10"
	DefaultFeePerKB        = "0.002"
	DefaultWithdrawalFee   = "0.50"
	DefaultMaxRounds       = 5
	DefaultClockSkew       = 300 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
//
// Key material (hot wallet key, deposit xprv, admin secret) resolves
// through a secrets provider: a mounted secrets directory when
// SECRETS_DIR is set, falling back to the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var provider secrets.Provider = secrets.NewEnvProvider()
	if dir := os.Getenv("SECRETS_DIR"); dir != "" {
		provider = secrets.NewChain(secrets.NewFileProvider(dir), secrets.NewEnvProvider())
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:      getEnv("LOG_FORMAT", "json"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:         getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		HotWalletKey:          getSecret(provider, secrets.HotWalletKey),
		DepositXprv:           getSecret(provider, secrets.DepositXprv),
		RequiredConfirmations: int(getEnvInt64("REQUIRED_CONFIRMATIONS", DefaultConfirmations)),
		DepositMinimum:        getEnv("DEPOSIT_MINIMUM", DefaultDepositMinimum),

		FeePercent:         getEnv("FEE_PERCENT", DefaultFeePercent),
		FeePerCPUSecond:    getEnv("FEE_PER_CPU_SECOND", DefaultFeePerCPUSecond),
		FeePerKBStored:     getEnv("FEE_PER_KB_STORED", DefaultFeePerKB),
		WithdrawalFlatFee:  getEnv("WITHDRAWAL_FLAT_FEE", DefaultWithdrawalFee),
		VerificationFeeMin: getEnv("VERIFICATION_FEE_MIN", "0.05"),
		StorageFeeMin:      getEnv("STORAGE_FEE_MIN", "0.01"),

		MaxNegotiationRounds: int(getEnvInt64("MAX_NEGOTIATION_ROUNDS", DefaultMaxRounds)),
		MaxDeliverableBytes:  getEnvInt64("MAX_DELIVERABLE_BYTES", 256*1024),

		SandboxTimeout:    getEnvDuration("SANDBOX_TIMEOUT", 60*time.Second),
		SandboxMaxTimeout: getEnvDuration("SANDBOX_MAX_TIMEOUT", 300*time.Second),
		SandboxMemoryMB:   getEnvInt64("SANDBOX_MEMORY_MB", 256),
		SandboxMaxMemMB:   getEnvInt64("SANDBOX_MAX_MEMORY_MB", 512),

		ClockSkew:     getEnvDuration("AUTH_CLOCK_SKEW", DefaultClockSkew),
		AdminSecret:   getSecret(provider, secrets.AdminSecret),
		RequireSignup: getEnv("REQUIRE_SIGNUP", "false") == "true",

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitComma(origins)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.HotWalletKey != "" {
		key := c.HotWalletKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("HOT_WALLET_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be at least 1")
	}

	if c.MaxNegotiationRounds < 1 {
		return fmt.Errorf("MAX_NEGOTIATION_ROUNDS must be at least 1")
	}

	if c.SandboxTimeout > c.SandboxMaxTimeout {
		return fmt.Errorf("SANDBOX_TIMEOUT exceeds SANDBOX_MAX_TIMEOUT")
	}

	if c.IsProduction() {
		if c.HotWalletKey == "" {
			return fmt.Errorf("HOT_WALLET_KEY is required in production")
		}
		if c.DepositXprv == "" {
			return fmt.Errorf("DEPOSIT_XPRV is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getSecret(p secrets.Provider, name string) string {
	value, err := p.Get(name)
	if err != nil {
		return ""
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
