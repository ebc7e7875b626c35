package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultTokenContract, cfg.TokenContract)
	assert.Equal(t, DefaultConfirmations, cfg.RequiredConfirmations)
	assert.Equal(t, DefaultMaxRounds, cfg.MaxNegotiationRounds)
	assert.Equal(t, 60*time.Second, cfg.SandboxTimeout)
}

func TestLoad_InvalidHotWalletKey(t *testing.T) {
	setEnv(t, "HOT_WALLET_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		RPCURL:                "https://sepolia.base.org",
		RequiredConfirmations: 12,
		MaxNegotiationRounds:  5,
		SandboxTimeout:        60 * time.Second,
		SandboxMaxTimeout:     300 * time.Second,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "hot wallet key with 0x prefix accepted",
			mutate:  func(c *Config) { c.HotWalletKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" },
			wantErr: "",
		},
		{
			name:    "bad hot wallet key",
			mutate:  func(c *Config) { c.HotWalletKey = "abc123" },
			wantErr: "64 hex characters",
		},
		{
			name:    "zero confirmations",
			mutate:  func(c *Config) { c.RequiredConfirmations = 0 },
			wantErr: "REQUIRED_CONFIRMATIONS",
		},
		{
			name:    "zero negotiation rounds",
			mutate:  func(c *Config) { c.MaxNegotiationRounds = 0 },
			wantErr: "MAX_NEGOTIATION_ROUNDS",
		},
		{
			name:    "sandbox timeout above ceiling",
			mutate:  func(c *Config) { c.SandboxTimeout = 400 * time.Second },
			wantErr: "SANDBOX_TIMEOUT",
		},
		{
			name:    "production requires hot wallet key",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "HOT_WALLET_KEY is required in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}

func TestSplitComma(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitComma("a, b"))
	assert.Nil(t, splitComma(" , "))
}
