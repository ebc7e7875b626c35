package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("HOT_WALLET_KEY", "  0xabc  ")
	p := NewEnvProvider()

	value, err := p.Get(HotWalletKey)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", value)

	_, err = p.Get("WALLET_MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DepositXprv), []byte("xprv123\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, AdminSecret), []byte("   \n"), 0o600))
	p := NewFileProvider(dir)

	value, err := p.Get(DepositXprv)
	require.NoError(t, err)
	assert.Equal(t, "xprv123", value)

	_, err = p.Get(AdminSecret) // present but blank
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get(HotWalletKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DepositXprv), []byte("from-file"), 0o600))
	t.Setenv(DepositXprv, "")
	t.Setenv(HotWalletKey, "from-env")

	chain := NewChain(NewEnvProvider(), NewFileProvider(dir))

	value, err := chain.Get(HotWalletKey)
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	value, err = chain.Get(DepositXprv)
	require.NoError(t, err)
	assert.Equal(t, "from-file", value)

	_, err = chain.Get(AdminSecret)
	assert.ErrorIs(t, err, ErrNotFound)
}
